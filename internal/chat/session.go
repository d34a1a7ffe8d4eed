package chat

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"retro/server/internal/directory"
	"retro/server/internal/proto"
	"retro/server/internal/transport"
)

// regKeyTimeout is the read deadline for the T_PUBKEY packet after a
// registration key was accepted. Generous, because the client generates its
// key pair interactively in between.
const regKeyTimeout = 4 * time.Minute

const errInternal = "Internal server error"

// session is one chat connection worker. Before the handshake succeeds it
// is anonymous; afterwards it is present in the directory until run
// returns. Only the worker goroutine touches id and friends; cross-session
// delivery goes through Deliver, which the transport serialises.
type session struct {
	srv  *Server
	conn *transport.Conn
	log  *slog.Logger

	id      directory.UserID
	friends map[directory.UserID]struct{}
	done    atomic.Bool
}

func newSession(srv *Server, conn *transport.Conn) *session {
	return &session{
		srv:     srv,
		conn:    conn,
		log:     srv.log.With("remote", conn.RemoteAddr().String()),
		friends: make(map[directory.UserID]struct{}),
	}
}

// UserID implements directory.Session.
func (s *session) UserID() directory.UserID { return s.id }

// RemoteHost implements directory.Session.
func (s *session) RemoteHost() string { return s.conn.RemoteHost() }

// Deliver implements directory.Session: it forwards one packet to this
// session's client on behalf of another worker.
func (s *session) Deliver(pcktType uint8, payload []byte) error {
	return s.conn.SendPacket(pcktType, payload)
}

// Shutdown implements directory.Session. Closing the connection fails the
// worker's pending read, so it terminates deterministically.
func (s *session) Shutdown() {
	s.done.Store(true)
	s.conn.Close()
}

// run drives the session state machine: one first packet decides between
// handshake and registration, then the router loop until disconnect.
func (s *session) run() {
	defer s.conn.Close()

	t, payload, err := s.conn.RecvPacket(s.srv.recvTimeout)
	if err != nil {
		s.log.Debug("no initial packet", "err", err)
		return
	}

	switch t {
	case proto.THello:
		if !s.handshake(payload) {
			return
		}
		s.active()
	case proto.TRegister:
		s.register(payload)
	default:
		s.log.Debug("unexpected initial packet", "type", proto.TypeName(t))
	}
}

// handshake authenticates the T_HELLO payload
// userId(8) || nonce(32) || signature(64) and admits the session.
//
// The nonce is chosen by the client; the server does not record nonces, so
// replay protection rests on the client and the signature scheme. Known
// limitation, kept for protocol compatibility.
func (s *session) handshake(payload []byte) bool {
	if len(payload) != proto.HelloSize {
		s.log.Debug("bad hello size", "len", len(payload))
		s.sendError("Invalid handshake")
		return false
	}

	id, _ := directory.UserIDFromBytes(payload[:proto.UserIDSize])
	nonce := payload[proto.UserIDSize : proto.UserIDSize+proto.NonceSize]
	sig := payload[proto.UserIDSize+proto.NonceSize:]

	if !s.srv.dir.HasKeyFile(id) {
		s.log.Debug("handshake from unregistered user", "user", id.Hex())
		s.sendError("You don't have an account yet")
		return false
	}
	if _, online := s.srv.dir.SessionByUserID(id); online {
		s.log.Debug("duplicate session rejected", "user", id.Hex())
		s.sendError("You are already connected")
		return false
	}

	key, err := s.srv.dir.PublicKey(id)
	if err != nil {
		s.log.Error("load public key", "user", id.Hex(), "err", err)
		s.sendError(errInternal)
		return false
	}
	if !directory.Verify(key, nonce, sig) {
		s.log.Debug("invalid signature", "user", id.Hex())
		s.sendError("Permission denied")
		return false
	}

	s.id = id
	s.log = s.log.With("user", id.Hex())

	// Admit before replying so two racing handshakes for the same user
	// cannot both see success.
	if !s.srv.dir.AdmitSession(s) {
		s.sendError("You are already connected")
		return false
	}
	if err := s.conn.SendPacket(proto.TSuccess); err != nil {
		s.srv.dir.EvictSession(id)
		return false
	}

	s.log.Debug("user connected")
	return true
}

// register handles T_REGISTER: validate the key, allocate a userid, wait
// for the client's public key, persist it, consume the registration key.
// On any failure before the key is persisted the registration key remains
// valid.
func (s *session) register(payload []byte) {
	if len(payload) != proto.RegKeySize {
		s.log.Debug("bad regkey size", "len", len(payload))
		return
	}
	regKey := payload

	valid, err := s.srv.dir.RegKeyExists(regKey)
	if err != nil {
		s.log.Error("regkey lookup", "err", err)
		s.sendError(errInternal)
		return
	}
	if !valid {
		s.log.Debug("invalid registration key")
		s.sendError("Invalid registration key")
		return
	}

	id, err := s.srv.dir.NewUniqueUserID()
	if err != nil {
		s.log.Error("allocate userid", "err", err)
		s.sendError(errInternal)
		return
	}
	if err := s.conn.SendPacket(proto.TSuccess, id.Bytes()); err != nil {
		return
	}

	t, keyBytes, err := s.conn.RecvPacket(regKeyTimeout)
	if err != nil {
		s.log.Debug("no public key received", "err", err)
		return
	}
	if t != proto.TPubkey || len(keyBytes) == 0 {
		s.log.Debug("expected pubkey packet", "type", proto.TypeName(t))
		return
	}

	if err := s.srv.dir.AddUser(id, keyBytes); err != nil {
		s.log.Error("add user", "user", id.Hex(), "err", err)
		s.sendError(errInternal)
		return
	}

	consumed, err := s.srv.dir.ConsumeRegKey(regKey)
	if err != nil || !consumed {
		// The user is registered either way; a leftover key is only
		// an operator cleanup concern.
		s.log.Warn("consume regkey", "consumed", consumed, "err", err)
	}
	s.conn.SendPacket(proto.TSuccess)
	s.log.Info("registration complete", "user", id.Hex())
}

// active drains the offline queue, then routes packets until disconnect,
// error or T_GOODBYE.
func (s *session) active() {
	defer func() {
		s.srv.dir.EvictSession(s.id)
		s.broadcastStatus(proto.TFriendOffline)
		s.log.Debug("user disconnected")
	}()

	if !s.drainQueue() {
		return
	}

	for !s.done.Load() {
		t, payload, err := s.conn.RecvPacket(s.srv.recvTimeout)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			s.log.Debug("session read ended", "err", err)
			return
		}

		switch {
		case t == proto.TChatMsg || t == proto.TFileMsg:
			if !s.route(t, payload) {
				return
			}
		case t == proto.TFriends:
			s.friendStatuses(payload)
		case t == proto.TGetPubkey:
			s.lookupPubkey(payload)
		case proto.IsCallSignal(t):
			s.forwardCallSignal(t, payload)
		case t == proto.TGoodbye:
			return
		default:
			s.log.Warn("ignoring packet", "type", proto.TypeName(t))
		}
	}
}

// drainQueue delivers all queued offline packets in FIFO order before any
// live traffic. Reports false when the session must terminate.
func (s *session) drainQueue() bool {
	packets, err := s.srv.msgs.Drain(s.id.Bytes())
	if err != nil {
		s.log.Error("drain offline queue", "err", err)
		s.sendError(errInternal)
		return false
	}
	for _, p := range packets {
		if err := s.conn.SendPacket(p.Type, p.Payload); err != nil {
			s.log.Debug("deliver queued packet", "err", err)
			return false
		}
	}
	if len(packets) > 0 {
		s.log.Debug("delivered queued packets", "count", len(packets))
	}
	return true
}

// route forwards a chat or file message to the recipient named at
// payload[8:16]: deliver when online, queue when offline, error reply to
// the sender when unregistered. Reports false only on a storage failure,
// which terminates the session.
func (s *session) route(pcktType uint8, payload []byte) bool {
	raw, ok := proto.Recipient(payload)
	if !ok {
		s.log.Debug("routed packet too short", "len", len(payload))
		s.sendError("Invalid message")
		return true
	}
	recipient, _ := directory.UserIDFromBytes(raw)

	if !s.srv.dir.UserExists(recipient) {
		s.log.Debug("recipient unknown", "recipient", recipient.Hex())
		s.sendError(fmt.Sprintf("Receiver %s doesn't exist!", recipient.Hex()))
		return true
	}

	if peer, online := s.srv.dir.SessionByUserID(recipient); online {
		if err := peer.Deliver(pcktType, payload); err != nil {
			s.log.Warn("forward to live session", "recipient", recipient.Hex(), "err", err)
		}
		return true
	}

	if err := s.srv.msgs.Store(pcktType, payload); err != nil {
		s.log.Error("queue offline message", "recipient", recipient.Hex(), "err", err)
		s.sendError(errInternal)
		return false
	}
	s.log.Debug("message queued", "recipient", recipient.Hex())
	return true
}

// friendStatuses answers a T_FRIENDS payload of N×8 candidate ids with one
// status packet per candidate, merges the known ids into the session's
// friend set, and announces this user as online to the friends that are
// connected.
func (s *session) friendStatuses(payload []byte) {
	if len(payload)%proto.UserIDSize != 0 {
		s.log.Debug("bad friends payload", "len", len(payload))
		return
	}

	for off := 0; off < len(payload); off += proto.UserIDSize {
		fid, _ := directory.UserIDFromBytes(payload[off : off+proto.UserIDSize])

		var reply uint8
		switch s.srv.dir.UserStatus(fid) {
		case directory.StatusOnline:
			reply = proto.TFriendOnline
		case directory.StatusOffline:
			reply = proto.TFriendOffline
		default:
			reply = proto.TFriendUnknown
		}
		if reply != proto.TFriendUnknown {
			s.friends[fid] = struct{}{}
		}
		if err := s.conn.SendPacket(reply, fid.Bytes()); err != nil {
			s.log.Debug("friend status reply", "err", err)
			return
		}
	}

	s.broadcastStatus(proto.TFriendOnline)
}

// lookupPubkey answers T_GET_PUBKEY with T_PUBKEY userId || keyBytes and
// remembers the queried user as a friend.
func (s *session) lookupPubkey(payload []byte) {
	fid, ok := directory.UserIDFromBytes(payload)
	if !ok {
		s.sendError("Invalid user id")
		return
	}
	if !s.srv.dir.UserExists(fid) {
		s.sendError(fmt.Sprintf("Receiver %s doesn't exist!", fid.Hex()))
		return
	}
	keyBytes, err := s.srv.dir.PublicKeyBytes(fid)
	if err != nil {
		s.log.Error("read key file", "user", fid.Hex(), "err", err)
		s.sendError(errInternal)
		return
	}
	if err := s.conn.SendPacket(proto.TPubkey, fid.Bytes(), keyBytes); err != nil {
		return
	}
	s.friends[fid] = struct{}{}
}

// forwardCallSignal relays a call-setup packet verbatim to the peer at
// payload[8:16]. An offline peer drops the packet silently.
func (s *session) forwardCallSignal(pcktType uint8, payload []byte) {
	raw, ok := proto.Recipient(payload)
	if !ok {
		s.log.Debug("call signal too short", "len", len(payload))
		return
	}
	peerID, _ := directory.UserIDFromBytes(raw)
	peer, online := s.srv.dir.SessionByUserID(peerID)
	if !online {
		s.log.Debug("call signal peer offline", "peer", peerID.Hex())
		return
	}
	if err := peer.Deliver(pcktType, payload); err != nil {
		s.log.Debug("forward call signal", "peer", peerID.Hex(), "err", err)
	}
}

// broadcastStatus sends T_FRIEND_ONLINE/OFFLINE with this session's userid
// to every friend that currently has a live session. Best-effort.
func (s *session) broadcastStatus(pcktType uint8) {
	for fid := range s.friends {
		peer, online := s.srv.dir.SessionByUserID(fid)
		if !online {
			continue
		}
		if err := peer.Deliver(pcktType, s.id.Bytes()); err != nil {
			s.log.Debug("status broadcast", "peer", fid.Hex(), "err", err)
		}
	}
}

func (s *session) sendError(msg string) {
	if err := s.conn.SendPacket(proto.TError, []byte(msg)); err != nil {
		s.log.Debug("send error reply", "err", err)
	}
}
