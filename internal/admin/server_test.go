package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"retro/server/internal/directory"
	"retro/server/internal/store"
)

type stubSession struct {
	id directory.UserID
}

func (s *stubSession) UserID() directory.UserID    { return s.id }
func (s *stubSession) RemoteHost() string          { return "192.0.2.1" }
func (s *stubSession) Deliver(uint8, []byte) error { return nil }
func (s *stubSession) Shutdown()                   {}

func newTestAPI(t *testing.T, activeCalls func() int) (*httptest.Server, *directory.Directory) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dir, err := directory.Load(db, t.TempDir())
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}

	srv := New(dir, activeCalls)
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	return ts, dir
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealth(t *testing.T) {
	ts, dir := newTestAPI(t, nil)
	dir.AdmitSession(&stubSession{id: directory.UserID{1}})

	var got healthResponse
	getJSON(t, ts.URL+"/health", &got)
	if got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
	if got.Online != 1 {
		t.Errorf("online = %d, want 1", got.Online)
	}
}

func TestStatus(t *testing.T) {
	ts, dir := newTestAPI(t, func() int { return 2 })
	dir.AdmitSession(&stubSession{id: directory.UserID{1}})
	dir.AdmitSession(&stubSession{id: directory.UserID{2}})

	var got statusResponse
	getJSON(t, ts.URL+"/api/status", &got)
	if got.Online != 2 {
		t.Errorf("online = %d, want 2", got.Online)
	}
	if got.ActiveCalls != 2 {
		t.Errorf("active_calls = %d, want 2", got.ActiveCalls)
	}
	if got.StartedAt == "" {
		t.Error("started_at empty")
	}
}

func TestStatusWithoutAudioServer(t *testing.T) {
	ts, _ := newTestAPI(t, nil)

	var got statusResponse
	getJSON(t, ts.URL+"/api/status", &got)
	if got.ActiveCalls != 0 {
		t.Errorf("active_calls = %d, want 0", got.ActiveCalls)
	}
}
