// Package fileserver implements the TLS file listener. Transfers are keyed
// by an opaque 16-byte file id; the stored blob is ciphertext the clients
// agreed on out of band.
//
// Access control is deliberately thin: a connection is accepted only when
// its remote IP has a live authenticated chat session, and a file id acts
// as a bearer capability. Anyone behind the same address as an
// authenticated user who learns an id can fetch the blob.
package fileserver

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
	"retro/server/internal/proto"
	"retro/server/internal/transport"
)

// bodyTimeout bounds each raw read while receiving an upload body.
const bodyTimeout = 10 * time.Second

// Server is the file listener.
type Server struct {
	dir *directory.Directory
	ln  *transport.Listener
	log *slog.Logger

	uploadDir   string
	maxFilesize int64
	deleteFiles bool

	recvTimeout   time.Duration
	acceptTimeout time.Duration

	conns transport.ConnSet
	wg    sync.WaitGroup
}

// New binds the file listener, sharing the chat server's TLS config.
func New(cfg *config.Config, tlsCfg *tls.Config, dir *directory.Directory) (*Server, error) {
	ln, err := transport.ListenTLS(cfg.Address, cfg.FileServerPort, tlsCfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		dir:           dir,
		ln:            ln,
		log:           slog.Default().With("component", "fileserver"),
		uploadDir:     cfg.UploadDir,
		maxFilesize:   cfg.MaxFilesize,
		deleteFiles:   cfg.DeleteFiles,
		recvTimeout:   cfg.RecvTimeout,
		acceptTimeout: cfg.AcceptTimeout,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run accepts transfer connections until ctx is cancelled. Connections
// whose remote IP has no live chat session are closed immediately.
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

		if _, ok := s.dir.SessionByRemoteHost(conn.RemoteHost()); !ok {
			s.log.Warn("no chat session for remote, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.conns.Add(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Remove(conn)
			s.serveTransfer(conn)
		}()
	}

	s.ln.Close()
	// A transfer worker renews its read deadline on every chunk, so only
	// closing its connection bounds the join below.
	s.conns.CloseAll()
	s.wg.Wait()
	s.log.Info("stopped")
	return nil
}

// serveTransfer reads the initial packet and dispatches to upload or
// download. Anything else closes the connection without a reply.
func (s *Server) serveTransfer(conn *transport.Conn) {
	defer conn.Close()

	t, payload, err := conn.RecvPacket(s.recvTimeout)
	if err != nil {
		s.log.Debug("no transfer request", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	switch t {
	case proto.TFileUpload:
		s.upload(conn, payload)
	case proto.TFileDownload:
		s.download(conn, payload)
	default:
		s.log.Debug("unexpected transfer packet", "type", proto.TypeName(t))
	}
}
