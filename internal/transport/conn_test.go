package transport

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"retro/server/internal/proto"
)

// tcpPair brings up a loopback listener, dials it, and returns both ends
// wrapped as Conns.
func tcpPair(t *testing.T) (client, server *Conn) {
	t.Helper()
	ln, err := ListenTCP("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *Conn, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := ln.Accept(5 * time.Second)
		if err != nil {
			errs <- err
			return
		}
		accepted <- c
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client = NewConn(nc)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case err := <-errs:
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestPacketRoundTrip(t *testing.T) {
	client, server := tcpPair(t)

	payload := []byte("some opaque ciphertext")
	if err := client.SendPacket(proto.TChatMsg, payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	typ, got, err := server.RecvPacket(2 * time.Second)
	if err != nil {
		t.Fatalf("RecvPacket: %v", err)
	}
	if typ != proto.TChatMsg {
		t.Errorf("type = %s, want %s", proto.TypeName(typ), proto.TypeName(proto.TChatMsg))
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestSendPacketConcatenatesSlices(t *testing.T) {
	client, server := tcpPair(t)

	if err := client.SendPacket(proto.TPubkey, []byte{1, 2}, []byte{3, 4, 5}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	_, got, err := server.RecvPacket(2 * time.Second)
	if err != nil {
		t.Fatalf("RecvPacket: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("payload = %v", got)
	}
}

func TestEmptyPayloadPacket(t *testing.T) {
	client, server := tcpPair(t)

	if err := client.SendPacket(proto.TGoodbye); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	typ, payload, err := server.RecvPacket(2 * time.Second)
	if err != nil {
		t.Fatalf("RecvPacket: %v", err)
	}
	if typ != proto.TGoodbye || len(payload) != 0 {
		t.Errorf("got type=%d len=%d", typ, len(payload))
	}
}

func TestRecvPacketTimeout(t *testing.T) {
	_, server := tcpPair(t)

	_, _, err := server.RecvPacket(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false", err)
	}
}

func TestRecvPacketPeerClosed(t *testing.T) {
	client, server := tcpPair(t)
	client.Close()

	_, _, err := server.RecvPacket(2 * time.Second)
	if err == nil {
		t.Fatal("expected error after peer close")
	}
	if IsTimeout(err) {
		t.Errorf("peer close misreported as timeout: %v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestRawSendRecv(t *testing.T) {
	client, server := tcpPair(t)

	frame := bytes.Repeat([]byte{0x5A}, 256)
	if err := client.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 1024)
	n, err := server.Recv(buf, 2*time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf[:n], frame) {
		t.Errorf("received %d bytes, want %d identical bytes", n, len(frame))
	}
}

func TestRecvFull(t *testing.T) {
	client, server := tcpPair(t)

	id := bytes.Repeat([]byte{0xC4}, 16)
	// Two writes; RecvFull must assemble them.
	go func() {
		client.Send(id[:7])
		time.Sleep(10 * time.Millisecond)
		client.Send(id[7:])
	}()

	buf := make([]byte, 16)
	if err := server.RecvFull(buf, 2*time.Second); err != nil {
		t.Fatalf("RecvFull: %v", err)
	}
	if !bytes.Equal(buf, id) {
		t.Errorf("buf = %x, want %x", buf, id)
	}
}

func TestAcceptTimeout(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	_, err = ln.Accept(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected accept timeout")
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false", err)
	}
}

func TestRemoteHostStripsPort(t *testing.T) {
	client, _ := tcpPair(t)
	if got := client.RemoteHost(); got != "127.0.0.1" {
		t.Errorf("RemoteHost = %q, want 127.0.0.1", got)
	}
}

func TestConnSetCloseAllFailsPendingRead(t *testing.T) {
	client, server := tcpPair(t)

	var set ConnSet
	set.Add(server)

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := server.Recv(buf, 10*time.Second)
		readErr <- err
	}()

	// Let the read block, then close everything out from under it.
	time.Sleep(20 * time.Millisecond)
	set.CloseAll()

	select {
	case err := <-readErr:
		if err == nil {
			t.Error("read succeeded after CloseAll")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after CloseAll")
	}

	// Removing after close is the worker-exit path; must not panic.
	set.Remove(server)
	set.Remove(client)
}

func TestTLSListener(t *testing.T) {
	tlsCfg, err := SelfSignedTLSConfig(time.Hour, "localhost")
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig: %v", err)
	}
	ln, err := ListenTLS("127.0.0.1", 0, tlsCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// The server-side TLS handshake is lazy, driven by the first read on the
	// accepted conn, so RecvPacket must run concurrently with tls.Dial or the
	// client handshake never completes.
	type recvResult struct {
		typ     uint8
		payload []byte
		err     error
	}
	received := make(chan recvResult, 1)
	go func() {
		c, err := ln.Accept(5 * time.Second)
		if err != nil {
			received <- recvResult{err: err}
			return
		}
		t.Cleanup(func() { c.Close() })
		typ, payload, err := c.RecvPacket(5 * time.Second)
		received <- recvResult{typ: typ, payload: payload, err: err}
	}()

	nc, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	client := NewConn(nc)
	t.Cleanup(func() { client.Close() })

	if err := client.SendPacket(proto.THello, []byte("over tls")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	res := <-received
	if res.err != nil {
		t.Fatalf("RecvPacket: %v", res.err)
	}
	if res.typ != proto.THello || string(res.payload) != "over tls" {
		t.Errorf("got type=%d payload=%q", res.typ, res.payload)
	}
}
