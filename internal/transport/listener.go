package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Listener accepts connections with a finite deadline so accept loops can
// poll a done flag or context between ticks. The deadline is set on the
// underlying TCP listener; for TLS listeners the handshake itself is lazy
// and completes on the first read or write of the accepted connection.
type Listener struct {
	tcp *net.TCPListener
	ln  net.Listener
}

// ListenTCP binds a plaintext TCP listener.
func ListenTCP(host string, port int) (*Listener, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	tcp := ln.(*net.TCPListener)
	return &Listener{tcp: tcp, ln: ln}, nil
}

// ListenTLS binds a TCP listener wrapped with the given TLS config.
func ListenTLS(host string, port int, cfg *tls.Config) (*Listener, error) {
	l, err := ListenTCP(host, port)
	if err != nil {
		return nil, err
	}
	l.ln = tls.NewListener(l.tcp, cfg)
	return l, nil
}

// Accept waits up to timeout for an incoming connection. A deadline hit is
// reported as a timeout error (IsTimeout); the caller continues its loop.
// A timeout <= 0 blocks indefinitely.
func (l *Listener) Accept(timeout time.Duration) (*Conn, error) {
	if timeout > 0 {
		if err := l.tcp.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	} else if err := l.tcp.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.tcp.Addr()
}

// Close closes the listener, failing any pending Accept.
func (l *Listener) Close() error {
	return l.ln.Close()
}
