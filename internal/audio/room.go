// Package audio implements the plaintext TCP call relay. Two legs meet in
// a CallRoom keyed by a 16-byte call id; once paired, the server copies
// opaque frames between them until either side closes. Audio payloads are
// end-to-end encrypted by the callers; the server adds no transport
// encryption and never inspects the bytes.
package audio

import (
	"encoding/hex"
	"sync"
	"sync/atomic"

	"retro/server/internal/proto"
	"retro/server/internal/transport"
)

// CallID keys a call room.
type CallID [proto.CallIDSize]byte

// Hex returns the lowercase hex form used in logs.
func (id CallID) Hex() string { return hex.EncodeToString(id[:]) }

// leg is one caller's connection inside a room. partner is wired by the
// second joiner under the room lock, strictly before paired is signalled,
// so after <-paired it is safe to read without the lock.
type leg struct {
	conn    *transport.Conn
	partner *leg
	done    atomic.Bool
}

// stop asks the leg's worker to terminate: the done flag covers the next
// loop check and the close fails any blocked read.
func (l *leg) stop() {
	l.done.Store(true)
	l.conn.Close()
}

// CallRoom is the two-slot rendezvous for one call id.
type CallRoom struct {
	id CallID

	mu     sync.Mutex
	legs   []*leg
	paired chan struct{}
}

func newCallRoom(id CallID) *CallRoom {
	return &CallRoom{id: id, paired: make(chan struct{})}
}

// join adds a leg to the room. The second joiner wires both legs as each
// other's partner and signals the rendezvous, atomically under the room
// lock. A third joiner is rejected.
func (r *CallRoom) join(l *leg) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.legs) >= 2 {
		return false
	}
	if len(r.legs) == 1 {
		first := r.legs[0]
		first.partner = l
		l.partner = first
		defer close(r.paired)
	}
	r.legs = append(r.legs, l)
	return true
}

// leave removes a leg and reports whether the room is now empty and should
// be discarded.
func (r *CallRoom) leave(l *leg) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.legs {
		if cur == l {
			r.legs = append(r.legs[:i], r.legs[i+1:]...)
			break
		}
	}
	return len(r.legs) == 0
}

// stopAll terminates every leg in the room; used at server shutdown.
func (r *CallRoom) stopAll() {
	r.mu.Lock()
	legs := append([]*leg(nil), r.legs...)
	r.mu.Unlock()
	for _, l := range legs {
		l.stop()
	}
}
