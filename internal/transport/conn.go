// Package transport implements the length-prefixed packet transport used by
// the chat and file listeners and the raw byte transport used by the audio
// relay and file streaming bodies. Read deadlines are mapped onto the
// underlying socket; a deadline hit is a recoverable timeout, distinct from
// a connection error, and callers test for it with IsTimeout.
package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"retro/server/internal/proto"
)

// Conn wraps a net.Conn (TLS or plain TCP) with packet framing and
// deadline-bounded reads. The send side is serialised with a mutex so that
// cross-session forwards never interleave partial packets.
type Conn struct {
	nc net.Conn

	writeMu sync.Mutex
}

// NewConn wraps an accepted or dialed net.Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// RemoteHost returns the remote IP without the port, as used for the
// presence gate on the file and audio listeners.
func (c *Conn) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return c.nc.RemoteAddr().String()
	}
	return host
}

// Close closes the underlying connection. Safe to call from another
// goroutine to unblock a pending read.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// SendPacket writes one framed packet. The payload may be given in several
// slices; they are concatenated on the wire. The whole packet is written
// under the connection's write lock.
func (c *Conn) SendPacket(t uint8, payload ...[]byte) error {
	n := 0
	for _, p := range payload {
		n += len(p)
	}
	buf := make([]byte, 0, proto.HeaderSize+n)
	buf = append(buf, proto.PackHeader(t, n)...)
	for _, p := range payload {
		buf = append(buf, p...)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(buf)
	return err
}

// RecvPacket reads one framed packet. A timeout <= 0 blocks indefinitely.
// The deadline covers the whole packet, header and payload.
func (c *Conn) RecvPacket(timeout time.Duration) (uint8, []byte, error) {
	if err := c.setReadDeadline(timeout); err != nil {
		return 0, nil, err
	}

	hdr := make([]byte, proto.HeaderSize)
	if _, err := io.ReadFull(c.nc, hdr); err != nil {
		return 0, nil, err
	}
	t, n, err := proto.ParseHeader(hdr)
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return t, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return 0, nil, err
	}
	return t, payload, nil
}

// Send writes raw bytes under the connection's write lock. Used for file
// bodies and audio frames, which are not packet-framed.
func (c *Conn) Send(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(b)
	return err
}

// Recv reads up to len(buf) raw bytes, returning however many arrived.
// A timeout <= 0 blocks indefinitely. Returns io.EOF when the peer closed.
func (c *Conn) Recv(buf []byte, timeout time.Duration) (int, error) {
	if err := c.setReadDeadline(timeout); err != nil {
		return 0, err
	}
	return c.nc.Read(buf)
}

// RecvFull reads exactly len(buf) bytes or fails.
func (c *Conn) RecvFull(buf []byte, timeout time.Duration) error {
	if err := c.setReadDeadline(timeout); err != nil {
		return err
	}
	_, err := io.ReadFull(c.nc, buf)
	return err
}

func (c *Conn) setReadDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return c.nc.SetReadDeadline(time.Time{})
	}
	return c.nc.SetReadDeadline(time.Now().Add(timeout))
}

// IsTimeout reports whether err is a read-deadline expiry rather than a
// real connection failure.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
