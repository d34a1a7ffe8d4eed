package fileserver

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"retro/server/internal/proto"
	"retro/server/internal/transport"
)

// upload receives a blob: payload is fileId(16) || size(uint32 BE). The
// body is written to a temp file in the upload directory and renamed into
// place only when exactly size bytes arrived; a short transfer deletes the
// partial file and reports the byte count to the client.
func (s *Server) upload(conn *transport.Conn, payload []byte) {
	if len(payload) != proto.FileIDSize+4 {
		s.log.Debug("bad upload header", "len", len(payload))
		return
	}
	fileID := payload[:proto.FileIDSize]
	size := int64(binary.BigEndian.Uint32(payload[proto.FileIDSize:]))
	name := hex.EncodeToString(fileID)
	log := s.log.With("file", name, "size", size)

	if size > s.maxFilesize {
		log.Warn("upload exceeds max filesize", "max", s.maxFilesize)
		s.sendError(conn, fmt.Sprintf("File exceeds maximum size of %d bytes", s.maxFilesize))
		return
	}

	sink, err := os.CreateTemp(s.uploadDir, ".upload-*")
	if err != nil {
		log.Error("open upload sink", "err", err)
		s.sendError(conn, "Internal server error")
		return
	}
	tempPath := sink.Name()
	if err := conn.SendPacket(proto.TSuccess); err != nil {
		sink.Close()
		os.Remove(tempPath)
		return
	}

	var received int64
	buf := make([]byte, 32*1024)
	for received < size {
		want := int64(len(buf))
		if remaining := size - received; remaining < want {
			want = remaining
		}
		n, err := conn.Recv(buf[:want], bodyTimeout)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				log.Error("write upload body", "err", werr)
				break
			}
			received += int64(n)
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("upload body read", "err", err)
			}
			break
		}
	}
	if err := sink.Close(); err != nil {
		log.Error("close upload sink", "err", err)
	}

	if received != size {
		os.Remove(tempPath)
		log.Warn("upload incomplete", "received", received)
		s.sendError(conn, fmt.Sprintf("Failed, only uploaded %d/%d bytes", received, size))
		return
	}

	if err := os.Rename(tempPath, filepath.Join(s.uploadDir, name)); err != nil {
		os.Remove(tempPath)
		log.Error("move upload into place", "err", err)
		s.sendError(conn, "Internal server error")
		return
	}
	conn.SendPacket(proto.TSuccess)
	log.Info("upload complete")
}

// download streams a stored blob: payload is fileId(16). The reply is
// T_SUCCESS with the size as uint32 BE, then the raw body.
func (s *Server) download(conn *transport.Conn, payload []byte) {
	if len(payload) != proto.FileIDSize {
		s.log.Debug("bad download header", "len", len(payload))
		return
	}
	name := hex.EncodeToString(payload)
	path := filepath.Join(s.uploadDir, name)
	log := s.log.With("file", name)

	f, err := os.Open(path)
	if err != nil {
		log.Debug("requested file missing", "err", err)
		s.sendError(conn, "Requested file doesn't exist")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Error("stat file", "err", err)
		s.sendError(conn, "Internal server error")
		return
	}
	size := info.Size()

	sizeBE := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBE, uint32(size))
	if err := conn.SendPacket(proto.TSuccess, sizeBE); err != nil {
		return
	}

	var sent int64
	buf := make([]byte, 32*1024)
	for sent < size {
		n, err := f.Read(buf)
		if n > 0 {
			if serr := conn.Send(buf[:n]); serr != nil {
				log.Debug("send file body", "err", serr)
				return
			}
			sent += int64(n)
		}
		if err != nil {
			if err != io.EOF {
				log.Error("read file body", "err", err)
			}
			break
		}
	}
	if sent != size {
		log.Warn("download incomplete", "sent", sent, "size", size)
		return
	}
	log.Info("download complete", "size", size)

	if s.deleteFiles {
		// The deferred close still holds the handle; unlinking an open
		// file is fine here.
		if err := os.Remove(path); err != nil {
			log.Warn("delete after download", "err", err)
		} else {
			log.Debug("deleted after download")
		}
	}
}

func (s *Server) sendError(conn *transport.Conn, msg string) {
	if err := conn.SendPacket(proto.TError, []byte(msg)); err != nil {
		s.log.Debug("send error reply", "err", err)
	}
}
