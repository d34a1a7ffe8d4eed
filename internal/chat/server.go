// Package chat implements the TLS control listener: the signed-nonce
// handshake, user registration, the live packet router, offline-queue
// drain on connect, and friend presence notifications.
package chat

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"retro/server/internal/config"
	"retro/server/internal/directory"
	"retro/server/internal/store"
	"retro/server/internal/transport"
)

// Server is the chat listener. One session worker runs per accepted
// connection; authenticated sessions live in the shared directory.
type Server struct {
	dir  *directory.Directory
	msgs *store.MsgStore
	ln   *transport.Listener
	log  *slog.Logger

	recvTimeout   time.Duration
	acceptTimeout time.Duration

	conns transport.ConnSet
	wg    sync.WaitGroup
}

// New binds the chat listener with the given server TLS config.
func New(cfg *config.Config, tlsCfg *tls.Config, dir *directory.Directory, msgs *store.MsgStore) (*Server, error) {
	ln, err := transport.ListenTLS(cfg.Address, cfg.Port, tlsCfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		dir:           dir,
		msgs:          msgs,
		ln:            ln,
		log:           slog.Default().With("component", "chat"),
		recvTimeout:   cfg.RecvTimeout,
		acceptTimeout: cfg.AcceptTimeout,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run accepts connections until ctx is cancelled, then closes the listener,
// shuts down all live sessions and joins their workers. Accept errors other
// than timeouts and listener closure are logged and do not abort the loop.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("listening", "addr", s.ln.Addr())

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

		s.log.Debug("accepted", "remote", conn.RemoteAddr())
		sess := newSession(s, conn)
		s.conns.Add(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Remove(conn)
			sess.run()
		}()
	}

	s.ln.Close()
	for _, sess := range s.dir.Sessions() {
		sess.Shutdown()
	}
	// Sessions still in the handshake or registration are not in the
	// directory yet; closing every tracked connection fails their pending
	// reads so the join below cannot stall.
	s.conns.CloseAll()
	s.wg.Wait()
	s.log.Info("stopped")
	return nil
}
