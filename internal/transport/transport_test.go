package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trzy/RoBart/internal/framing"
)

func acceptOne(t *testing.T, ln Listener) <-chan Conn {
	t.Helper()
	ch := make(chan Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- conn
	}()
	return ch
}

func waitConn(t *testing.T, ch <-chan Conn) Conn {
	t.Helper()
	select {
	case conn, ok := <-ch:
		if !ok {
			t.Fatalf("accept failed")
		}
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for accept")
	}
	return nil
}

func TestStream_RoundTrip(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := acceptOne(t, ln)
	client, err := Dial("tcp", ln.Addr(), Options{WriteTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	server := waitConn(t, accepted)
	defer server.Close()

	payloads := []string{`{"__id":"HelloMessage","message":"hi"}`, ``, strings.Repeat("x", 100_000)}
	for _, p := range payloads {
		if err := client.WritePayload([]byte(p)); err != nil {
			t.Fatalf("WritePayload: %v", err)
		}
	}
	for _, want := range payloads {
		got, err := server.ReadPayload()
		if err != nil {
			t.Fatalf("ReadPayload: %v", err)
		}
		if string(got) != want {
			t.Fatalf("payload len=%d, want len=%d", len(got), len(want))
		}
	}
	if server.RemoteAddr() == "" {
		t.Fatalf("empty RemoteAddr")
	}
}

func TestStream_OversizeFrameFailsRead(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", Options{MaxPayloadBytes: 16})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := acceptOne(t, ln)
	raw, err := net.Dial("tcp", ln.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer raw.Close()
	server := waitConn(t, accepted)
	defer server.Close()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 1<<30)
	if _, err := raw.Write(hdr[:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, err = server.ReadPayload()
	if !errors.Is(err, framing.ErrFrameTooLarge) {
		t.Fatalf("err=%v, want ErrFrameTooLarge", err)
	}
}

func TestStream_CloseUnblocksAccept(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		errCh <- err
	}()
	_ = ln.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrListenerClosed) {
			t.Fatalf("err=%v, want ErrListenerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Accept did not return after Close")
	}
}

func TestWebSocket_RoundTrip(t *testing.T) {
	ln := NewWebSocketListener("test", Options{MaxPayloadBytes: 1024}, nil)
	srv := httptest.NewServer(ln)
	defer srv.Close()
	defer ln.Close()

	accepted := acceptOne(t, ln)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), Options{})
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer client.Close()
	server := waitConn(t, accepted)
	defer server.Close()

	if err := client.WritePayload([]byte(`{"__id":"LogMessage","text":"a"}`)); err != nil {
		t.Fatalf("WritePayload: %v", err)
	}
	got, err := server.ReadPayload()
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if string(got) != `{"__id":"LogMessage","text":"a"}` {
		t.Fatalf("payload=%s", got)
	}

	if err := server.WritePayload([]byte("pong")); err != nil {
		t.Fatalf("WritePayload: %v", err)
	}
	got, err = client.ReadPayload()
	if err != nil || !bytes.Equal(got, []byte("pong")) {
		t.Fatalf("client ReadPayload=%q,%v", got, err)
	}

	// Oversized messages fail the read on the receiving side.
	if err := client.WritePayload(bytes.Repeat([]byte("x"), 2048)); err != nil {
		t.Fatalf("WritePayload: %v", err)
	}
	if _, err := server.ReadPayload(); err == nil {
		t.Fatalf("expected read error for oversized message")
	}
}

func TestWebSocket_CloseRejectsAccept(t *testing.T) {
	ln := NewWebSocketListener("test", Options{}, nil)
	_ = ln.Close()
	if _, err := ln.Accept(); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("err=%v, want ErrListenerClosed", err)
	}
	if !IsNormalClose(ErrListenerClosed) {
		t.Fatalf("IsNormalClose(ErrListenerClosed)=false")
	}
}
