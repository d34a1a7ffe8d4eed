package directory

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"retro/server/internal/store"
)

// newTestDirectory builds a directory over an in-memory server.db and a
// fresh user dir.
func newTestDirectory(t *testing.T) (*Directory, string) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	userDir := t.TempDir()
	d, err := Load(db, userDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return d, userDir
}

// newKeyPair generates a fresh ed25519 pair and the PEM form of the public
// half.
func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBytes, err := MarshalPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pub, priv, pemBytes
}

// fakeSession satisfies Session for presence tests.
type fakeSession struct {
	id   UserID
	host string
}

func (f *fakeSession) UserID() UserID              { return f.id }
func (f *fakeSession) RemoteHost() string          { return f.host }
func (f *fakeSession) Deliver(uint8, []byte) error { return nil }
func (f *fakeSession) Shutdown()                   {}

func TestAddUser(t *testing.T) {
	d, userDir := newTestDirectory(t)
	_, _, pemBytes := newKeyPair(t)

	id, err := d.NewUniqueUserID()
	if err != nil {
		t.Fatalf("NewUniqueUserID: %v", err)
	}
	if err := d.AddUser(id, pemBytes); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if !d.UserExists(id) {
		t.Error("user missing from registered set")
	}
	if !d.HasKeyFile(id) {
		t.Error("key file missing")
	}
	stored, err := os.ReadFile(filepath.Join(userDir, id.Hex()+".pem"))
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	if !bytes.Equal(stored, pemBytes) {
		t.Error("key file must be stored verbatim")
	}
	if d.RegisteredCount() != 1 {
		t.Errorf("RegisteredCount = %d, want 1", d.RegisteredCount())
	}
}

func TestAddUserRejectsBadKey(t *testing.T) {
	d, _ := newTestDirectory(t)
	id := UserID{1, 2, 3, 4, 5, 6, 7, 8}

	if err := d.AddUser(id, []byte("not a pem key")); err == nil {
		t.Error("expected error for unparseable key")
	}
	if d.UserExists(id) {
		t.Error("failed registration must not add the user")
	}
}

func TestLoadScansKeyFiles(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	userDir := t.TempDir()
	id := UserID{0xDE, 0xAD, 0xBE, 0xEF, 1, 2, 3, 4}
	_, _, pemBytes := newKeyPair(t)
	if err := os.WriteFile(filepath.Join(userDir, id.Hex()+".pem"), pemBytes, 0o600); err != nil {
		t.Fatalf("seed key file: %v", err)
	}
	// Junk that the scan must skip.
	if err := os.WriteFile(filepath.Join(userDir, "README"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed junk file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(userDir, "zz.pem"), pemBytes, 0o600); err != nil {
		t.Fatalf("seed short-id file: %v", err)
	}

	d, err := Load(db, userDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !d.UserExists(id) {
		t.Error("scanned user missing")
	}
	if d.RegisteredCount() != 1 {
		t.Errorf("RegisteredCount = %d, want 1", d.RegisteredCount())
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	d, _ := newTestDirectory(t)
	pub, priv, pemBytes := newKeyPair(t)

	id, err := d.NewUniqueUserID()
	if err != nil {
		t.Fatalf("NewUniqueUserID: %v", err)
	}
	if err := d.AddUser(id, pemBytes); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	loaded, err := d.PublicKey(id)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !bytes.Equal(loaded, pub) {
		t.Error("loaded key differs from generated key")
	}

	msg := []byte("challenge-nonce")
	sig := ed25519.Sign(priv, msg)
	if !Verify(loaded, msg, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(loaded, []byte("other message"), sig) {
		t.Error("signature over wrong message accepted")
	}

	raw, err := d.PublicKeyBytes(id)
	if err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	if !bytes.Equal(raw, pemBytes) {
		t.Error("PublicKeyBytes must return the stored file verbatim")
	}
}

func TestSessionLifecycle(t *testing.T) {
	d, _ := newTestDirectory(t)
	_, _, pemBytes := newKeyPair(t)

	id, err := d.NewUniqueUserID()
	if err != nil {
		t.Fatalf("NewUniqueUserID: %v", err)
	}
	if err := d.AddUser(id, pemBytes); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if got := d.UserStatus(id); got != StatusOffline {
		t.Errorf("status before admit = %v, want offline", got)
	}

	s := &fakeSession{id: id, host: "192.0.2.10"}
	if !d.AdmitSession(s) {
		t.Fatal("AdmitSession failed")
	}
	if got := d.UserStatus(id); got != StatusOnline {
		t.Errorf("status after admit = %v, want online", got)
	}
	if d.OnlineCount() != 1 {
		t.Errorf("OnlineCount = %d, want 1", d.OnlineCount())
	}

	// Only one live session per user.
	if d.AdmitSession(&fakeSession{id: id, host: "192.0.2.11"}) {
		t.Error("duplicate session admitted")
	}

	got, ok := d.SessionByUserID(id)
	if !ok || got != Session(s) {
		t.Error("SessionByUserID did not return the admitted session")
	}
	byHost, ok := d.SessionByRemoteHost("192.0.2.10")
	if !ok || byHost != Session(s) {
		t.Error("SessionByRemoteHost did not return the admitted session")
	}
	if _, ok := d.SessionByRemoteHost("198.51.100.1"); ok {
		t.Error("unknown host matched a session")
	}

	d.EvictSession(id)
	if got := d.UserStatus(id); got != StatusOffline {
		t.Errorf("status after evict = %v, want offline", got)
	}
	// Evicting again is a no-op.
	d.EvictSession(id)
}

func TestUserStatusUnknown(t *testing.T) {
	d, _ := newTestDirectory(t)
	if got := d.UserStatus(UserID{9, 9, 9, 9, 9, 9, 9, 9}); got != StatusUnknown {
		t.Errorf("status = %v, want unknown", got)
	}
}

func TestRegKeyFlow(t *testing.T) {
	d, _ := newTestDirectory(t)

	key, err := d.NewUniqueRegKey()
	if err != nil {
		t.Fatalf("NewUniqueRegKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}

	exists, err := d.RegKeyExists(key)
	if err != nil {
		t.Fatalf("RegKeyExists: %v", err)
	}
	if !exists {
		t.Fatal("fresh key must exist")
	}

	ok, err := d.ConsumeRegKey(key)
	if err != nil {
		t.Fatalf("ConsumeRegKey: %v", err)
	}
	if !ok {
		t.Fatal("first consume failed")
	}
	ok, err = d.ConsumeRegKey(key)
	if err != nil {
		t.Fatalf("second ConsumeRegKey: %v", err)
	}
	if ok {
		t.Error("key consumed twice")
	}
}
