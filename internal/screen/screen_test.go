package screen

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func dialStream(t *testing.T, addr, token string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := conn.Write([]byte(token)); err != nil {
		t.Fatalf("write token: %v", err)
	}
	return conn
}

func startStreamer(t *testing.T) (*Streamer, string) {
	t.Helper()
	s := New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.authenticate(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s, ln.Addr().String()
}

func TestValidTokenReceivesPublishedFrame(t *testing.T) {
	s, addr := startStreamer(t)
	token, err := s.IssueToken()
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	conn := dialStream(t, addr, token)
	defer conn.Close()

	// Give the accept goroutine a moment to authenticate and register.
	time.Sleep(50 * time.Millisecond)

	frame := Frame{Width: 2, Height: 1, Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	s.Publish(frame)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, len(frameHeader)+12)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	if string(header[:len(frameHeader)]) != frameHeader {
		t.Fatalf("header magic = %q, want %q", header[:len(frameHeader)], frameHeader)
	}
	width := binary.LittleEndian.Uint32(header[5:9])
	height := binary.LittleEndian.Uint32(header[9:13])
	length := binary.LittleEndian.Uint32(header[13:17])
	if width != 2 || height != 1 || length != 8 {
		t.Fatalf("header = {w:%d h:%d len:%d}, want {2,1,8}", width, height, length)
	}

	pixels := make([]byte, length)
	if _, err := io.ReadFull(conn, pixels); err != nil {
		t.Fatalf("read pixels: %v", err)
	}
	for i, b := range pixels {
		if b != byte(i+1) {
			t.Errorf("pixel %d = %d, want %d", i, b, i+1)
		}
	}
}

func TestTokenIsSingleUse(t *testing.T) {
	s, addr := startStreamer(t)
	token, err := s.IssueToken()
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	first := dialStream(t, addr, token)
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer second.Close()
	second.Write([]byte(token))
	second.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("expected the reused token's connection to be closed, not to receive data")
	}
}

func TestInvalidTokenIsRejected(t *testing.T) {
	_, addr := startStreamer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.Write(make([]byte, tokenLen))

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection with an unknown token to be closed")
	}
}

func TestPublishDropsDeadConnection(t *testing.T) {
	s, addr := startStreamer(t)
	token, err := s.IssueToken()
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	conn := dialStream(t, addr, token)
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	s.Publish(Frame{Width: 1, Height: 1, Pixels: []byte{0, 0, 0, 0}})

	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("expected dead connection to be dropped from conns, got %d remaining", n)
	}
}
