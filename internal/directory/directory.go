// Package directory tracks the process-wide user state shared by the three
// listeners: the registered-user set enumerated from the user-key directory,
// the presence map of live chat sessions, and the registration keys held in
// server.db.
package directory

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"retro/server/internal/proto"
	"retro/server/internal/store"
)

// UserID is the opaque 8-byte identity assigned at registration.
type UserID [proto.UserIDSize]byte

// UserIDFromBytes copies an 8-byte slice into a UserID.
func UserIDFromBytes(b []byte) (UserID, bool) {
	var id UserID
	if len(b) != proto.UserIDSize {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Bytes returns the id as a slice for wire payloads.
func (id UserID) Bytes() []byte { return id[:] }

// Hex returns the lowercase hex form used in filenames and logs.
func (id UserID) Hex() string { return hex.EncodeToString(id[:]) }

// Status of a user as seen by the presence map.
type Status int

const (
	StatusUnknown Status = iota // not registered
	StatusOffline               // registered, no live session
	StatusOnline                // registered with a live session
)

// Session is the directory's view of a live chat connection. The chat
// package's session type implements it; the file and audio listeners only
// need presence and the forwarders only need Deliver.
type Session interface {
	UserID() UserID
	RemoteHost() string
	// Deliver sends one packet to this session's client. Implementations
	// serialise concurrent senders.
	Deliver(pcktType uint8, payload []byte) error
	// Shutdown asks the session worker to terminate.
	Shutdown()
}

// Directory is safe for concurrent use. Structure mutations take the mutex;
// server.db serialises its own operations.
type Directory struct {
	db      *store.ServerDB
	userDir string

	mu       sync.RWMutex
	users    map[UserID]struct{}
	sessions map[UserID]Session
}

// Load builds the directory, enumerating registered users from the *.pem
// files under userDir.
func Load(db *store.ServerDB, userDir string) (*Directory, error) {
	d := &Directory{
		db:       db,
		userDir:  userDir,
		users:    make(map[UserID]struct{}),
		sessions: make(map[UserID]Session),
	}

	entries, err := os.ReadDir(userDir)
	if err != nil {
		return nil, fmt.Errorf("scan user dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".pem") {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, ".pem"))
		if err != nil {
			slog.Warn("ignoring unparseable key file", "file", name)
			continue
		}
		id, ok := UserIDFromBytes(raw)
		if !ok {
			slog.Warn("ignoring key file with bad id length", "file", name)
			continue
		}
		d.users[id] = struct{}{}
	}
	slog.Info("directory loaded", "registered_users", len(d.users))
	return d, nil
}

// UserExists reports whether id is a registered user.
func (d *Directory) UserExists(id UserID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[id]
	return ok
}

// AddUser persists the public key file for id, records the user in
// server.db, and adds it to the registered set. keyBytes must be a
// parseable public key; it is stored verbatim.
func (d *Directory) AddUser(id UserID, keyBytes []byte) error {
	if _, err := ParsePublicKey(keyBytes); err != nil {
		return fmt.Errorf("public key for %s: %w", id.Hex(), err)
	}
	path := d.keyPath(id)
	if err := os.WriteFile(path, keyBytes, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := d.db.AddUser(id.Bytes()); err != nil {
		os.Remove(path)
		return fmt.Errorf("record user: %w", err)
	}

	d.mu.Lock()
	d.users[id] = struct{}{}
	d.mu.Unlock()

	slog.Info("user registered", "user", id.Hex())
	return nil
}

// PublicKey loads and parses the stored key for id.
func (d *Directory) PublicKey(id UserID) (PublicKey, error) {
	raw, err := os.ReadFile(d.keyPath(id))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParsePublicKey(raw)
}

// PublicKeyBytes returns the stored key file for id verbatim, as served to
// clients requesting a peer key.
func (d *Directory) PublicKeyBytes(id UserID) ([]byte, error) {
	return os.ReadFile(d.keyPath(id))
}

// HasKeyFile reports whether a key file exists on disk for id.
func (d *Directory) HasKeyFile(id UserID) bool {
	_, err := os.Stat(d.keyPath(id))
	return err == nil
}

func (d *Directory) keyPath(id UserID) string {
	return filepath.Join(d.userDir, id.Hex()+".pem")
}

// NewUniqueUserID draws random 8-byte values until one is unused in both
// the registered set and server.db.
func (d *Directory) NewUniqueUserID() (UserID, error) {
	for {
		var id UserID
		if _, err := rand.Read(id[:]); err != nil {
			return UserID{}, err
		}
		if d.UserExists(id) {
			continue
		}
		known, err := d.db.UserExists(id.Bytes())
		if err != nil {
			return UserID{}, err
		}
		if !known {
			return id, nil
		}
	}
}

// NewUniqueRegKey draws random 32-byte values until one is unused and
// records it in the register table.
func (d *Directory) NewUniqueRegKey() ([]byte, error) {
	for {
		key := make([]byte, proto.RegKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		exists, err := d.db.RegKeyExists(key)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		if err := d.db.AddRegKey(key); err != nil {
			return nil, err
		}
		return key, nil
	}
}

// ConsumeRegKey atomically verifies and removes a registration key.
func (d *Directory) ConsumeRegKey(key []byte) (bool, error) {
	return d.db.ConsumeRegKey(key)
}

// RegKeyExists reports whether key is an unused registration key.
func (d *Directory) RegKeyExists(key []byte) (bool, error) {
	return d.db.RegKeyExists(key)
}

// AdmitSession inserts s into the presence map. It fails when the user
// already has a live session; at most one session per user exists at any
// instant.
func (d *Directory) AdmitSession(s Session) bool {
	id := s.UserID()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.sessions[id]; dup {
		return false
	}
	d.sessions[id] = s
	return true
}

// EvictSession removes the presence entry for id. Evicting an id with no
// session is a no-op.
func (d *Directory) EvictSession(id UserID) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

// SessionByUserID returns the live session for id, if any.
func (d *Directory) SessionByUserID(id UserID) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// SessionByRemoteHost returns the first live session whose remote IP equals
// host. Remote addresses are not assumed unique; this is the presence gate
// used by the file and audio listeners.
func (d *Directory) SessionByRemoteHost(host string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if s.RemoteHost() == host {
			return s, true
		}
	}
	return nil, false
}

// UserStatus reports whether id is unknown, offline or online.
func (d *Directory) UserStatus(id UserID) Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.users[id]; !ok {
		return StatusUnknown
	}
	if _, ok := d.sessions[id]; ok {
		return StatusOnline
	}
	return StatusOffline
}

// OnlineCount returns the number of live sessions.
func (d *Directory) OnlineCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// RegisteredCount returns the number of registered users.
func (d *Directory) RegisteredCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Sessions returns a snapshot of the live sessions, used at shutdown to
// terminate all workers.
func (d *Directory) Sessions() []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}
