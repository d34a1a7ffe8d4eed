package transport

import "sync"

// ConnSet tracks the accepted connections of one listener so shutdown can
// close them all, failing any pending read. Workers add their connection
// before starting and remove it on exit; the zero value is ready to use.
type ConnSet struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Add registers c.
func (s *ConnSet) Add(c *Conn) {
	s.mu.Lock()
	if s.conns == nil {
		s.conns = make(map[*Conn]struct{})
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

// Remove deregisters c. Removing an untracked connection is a no-op.
func (s *ConnSet) Remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// CloseAll closes every tracked connection. The connections stay tracked;
// their workers remove them as they exit.
func (s *ConnSet) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
