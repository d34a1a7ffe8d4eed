package audio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"retro/server/internal/config"
	"retro/server/internal/directory"
	"retro/server/internal/transport"
)

const (
	// callIDTimeout bounds the initial 16-byte call id read.
	callIDTimeout = 10 * time.Second
	// pairTimeout is how long a lone leg waits for its partner before the
	// server answers '2' and closes.
	pairTimeout = 10 * time.Second
	// pairGrace lets the partner finish its own handshake after pairing.
	pairGrace = time.Second
	// frameSize is the relay read buffer; frames are copied verbatim.
	frameSize = 1024
	// frameTimeout is the per-read deadline inside the relay loop; a
	// timeout just re-checks the done flags.
	frameTimeout = time.Second
)

// Reply bytes for the pairing handshake.
const (
	replyPaired  = '1'
	replyTimeout = '2'
)

// Server is the audio listener.
type Server struct {
	dir *directory.Directory
	ln  *transport.Listener
	log *slog.Logger

	acceptTimeout time.Duration

	// Pairing and relay deadlines, set to the package defaults by New.
	// Tests shorten them.
	callIDTimeout time.Duration
	pairTimeout   time.Duration
	pairGrace     time.Duration
	frameTimeout  time.Duration

	roomsMu sync.Mutex
	rooms   map[CallID]*CallRoom

	stats Stats

	conns transport.ConnSet
	wg    sync.WaitGroup
}

// New binds the plaintext TCP audio listener.
func New(cfg *config.Config, dir *directory.Directory) (*Server, error) {
	ln, err := transport.ListenTCP(cfg.Address, cfg.AudioServerPort)
	if err != nil {
		return nil, err
	}
	return &Server{
		dir:           dir,
		ln:            ln,
		log:           slog.Default().With("component", "audio"),
		acceptTimeout: cfg.AcceptTimeout,
		callIDTimeout: callIDTimeout,
		pairTimeout:   pairTimeout,
		pairGrace:     pairGrace,
		frameTimeout:  frameTimeout,
		rooms:         make(map[CallID]*CallRoom),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// ActiveCalls returns the number of rooms currently holding at least one leg.
func (s *Server) ActiveCalls() int {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	return len(s.rooms)
}

// Run accepts call legs until ctx is cancelled, then stops every active
// leg and joins the workers. Like the file listener, a leg is only
// accepted when its remote IP has a live chat session.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("listening", "addr", s.ln.Addr())

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go s.runStats(statsCtx, time.Minute)

	for {
		if ctx.Err() != nil {
			break
		}
		conn, err := s.ln.Accept(s.acceptTimeout)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}

		sess, ok := s.dir.SessionByRemoteHost(conn.RemoteHost())
		if !ok {
			s.log.Warn("no chat session for remote, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		user := sess.UserID()
		s.conns.Add(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Remove(conn)
			s.serveLeg(conn, user.Hex())
		}()
	}

	s.ln.Close()
	// Legs that have not joined a room yet are only reachable through
	// their connections.
	s.conns.CloseAll()
	s.roomsMu.Lock()
	for _, room := range s.rooms {
		room.stopAll()
	}
	s.roomsMu.Unlock()
	s.wg.Wait()
	s.log.Info("stopped")
	return nil
}

// serveLeg runs one caller's leg: read the call id, rendezvous with the
// partner, then relay frames until either side finishes.
func (s *Server) serveLeg(conn *transport.Conn, user string) {
	defer conn.Close()
	log := s.log.With("user", user, "remote", conn.RemoteAddr().String())

	var id CallID
	if err := conn.RecvFull(id[:], s.callIDTimeout); err != nil {
		log.Debug("no call id", "err", err)
		return
	}

	room := s.room(id)
	l := &leg{conn: conn}
	if !room.join(l) {
		log.Warn("call room already full", "call", id.Hex())
		return
	}
	defer s.leaveRoom(room, l)

	log.Debug("waiting for calling partner")
	select {
	case <-room.paired:
	case <-time.After(s.pairTimeout):
		log.Debug("no partner joined in time")
		conn.Send([]byte{replyTimeout})
		return
	}

	if err := conn.Send([]byte{replyPaired}); err != nil {
		l.partner.stop()
		return
	}
	// Give the partner a moment to finish its own pairing handshake
	// before frames start flowing.
	time.Sleep(s.pairGrace)

	log.Debug("relay started")
	s.relay(l)
	log.Debug("relay finished")
}

// relay copies frames from this leg to its partner until either leg is
// done or a read/write fails. On exit the partner is told to terminate, so
// both legs leave deterministically.
func (s *Server) relay(l *leg) {
	defer l.partner.stop()

	buf := make([]byte, frameSize)
	for !l.done.Load() && !l.partner.done.Load() {
		n, err := l.conn.Recv(buf, s.frameTimeout)
		if n > 0 {
			if serr := l.partner.conn.Send(buf[:n]); serr != nil {
				return
			}
			s.stats.add(n)
		}
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return
		}
	}
}

// room returns the call room for id, creating it on first join.
func (s *Server) room(id CallID) *CallRoom {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		r = newCallRoom(id)
		s.rooms[id] = r
	}
	return r
}

// leaveRoom removes the leg and discards the room once both legs have left.
func (s *Server) leaveRoom(room *CallRoom, l *leg) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if room.leave(l) {
		delete(s.rooms, room.id)
	}
}
