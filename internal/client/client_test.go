package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/protocol"
	"github.com/agendomat/myproto/internal/server"
)

func testClientConfig() *common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Reconnect.Enabled = false
	return cfg
}

var discard = slog.New(slog.DiscardHandler)

// startEchoSession runs a server session with frame echo on the far end of
// a pipe.
func startEchoSession(t *testing.T) net.Conn {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	s, err := server.NewSession(&server.SessionConfig{
		Conn:      serverConn,
		ConnID:    "conn_test",
		Transport: common.TransportTCP,
		Handler:   server.EchoFrames(),
		Logger:    discard,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		_ = s.Close()
		<-done
	})
	return clientConn
}

// fakeServer reads the client's handshake and answers with reply.
func fakeServer(t *testing.T, reply string, closeAfter bool) net.Conn {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	go func() {
		buf := make([]byte, protocol.VersionHeaderLen+protocol.NegotiationLen)
		if _, err := io.ReadFull(serverConn, buf); err != nil {
			return
		}
		if reply != "" {
			if _, err := serverConn.Write([]byte(reply)); err != nil {
				return
			}
		}
		if closeAfter {
			serverConn.Close()
			return
		}
		_, _ = io.Copy(io.Discard, serverConn)
	}()
	t.Cleanup(func() { serverConn.Close() })
	return clientConn
}

func TestClient_HandshakeAndFrameEcho(t *testing.T) {
	c, err := NewClient(startEchoSession(t), testClientConfig(), discard)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	if err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if got := c.State(); got != protocol.StateAwaitingFrameHeader {
		t.Errorf("State = %s", got)
	}

	sent := []protocol.Frame{
		{Type: protocol.FrameTypeString, Body: []byte("hello")},
		{Type: protocol.FrameTypeImage, Body: []byte{0x89, 'P', 'N', 'G'}},
		{Type: protocol.FrameTypeString, Body: []byte{}},
	}
	for _, f := range sent {
		if err := c.Send(f); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	for i, want := range sent {
		select {
		case got := <-c.Frames():
			if got.Type != want.Type || string(got.Body) != string(want.Body) {
				t.Errorf("frame %d = %s %q, want %s %q", i, got, got.Body, want, want.Body)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %d was not echoed", i)
		}
	}
}

func TestClient_SendBeforeHandshake(t *testing.T) {
	c, err := NewClient(fakeServer(t, "", false), testClientConfig(), discard)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	if err := c.SendString("early"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestClient_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		closeAfter bool
		timeout    time.Duration
		want       error
	}{
		{
			name:  "rejected",
			reply: "MYPROTO:VER:000001REJECT",
			want:  ErrRejected,
		},
		{
			name:  "malformed echo",
			reply: "HTTP/1.1 400 Bad R",
			want:  protocol.ErrMalformedHeader,
		},
		{
			name:       "closed before echo",
			closeAfter: true,
			want:       ErrClosed,
		},
		{
			name:    "no answer",
			timeout: 100 * time.Millisecond,
			want:    context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testClientConfig()
			if tt.timeout > 0 {
				cfg.HandshakeTimeout = tt.timeout
			}
			c, err := NewClient(fakeServer(t, tt.reply, tt.closeAfter), cfg, discard)
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}
			defer c.Close()

			err = c.Handshake(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Handshake error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClient_PartialEchoTimesOut(t *testing.T) {
	cfg := testClientConfig()
	cfg.HandshakeTimeout = 5 * time.Second

	c, err := NewClient(fakeServer(t, "MYPROTO:VER:0000", false), cfg, discard)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	start := time.Now()
	err = c.Handshake(context.Background())
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Handshake error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < protocol.DataTimeout {
		t.Errorf("failed after %v, before the data timeout", elapsed)
	}
	if c.State() != protocol.StateError {
		t.Errorf("State = %s, want error", c.State())
	}
}

func TestClient_LaterWaitReplacesTimer(t *testing.T) {
	const gap = 400 * time.Millisecond

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })
	go func() {
		buf := make([]byte, protocol.VersionHeaderLen+protocol.NegotiationLen)
		if _, err := io.ReadFull(serverConn, buf); err != nil {
			return
		}
		// one wait on the version header, then a second on the negotiation
		if _, err := serverConn.Write([]byte("MYPROTO:VER:0000")); err != nil {
			return
		}
		time.Sleep(gap)
		if _, err := serverConn.Write([]byte("01ACC")); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, serverConn)
	}()

	cfg := testClientConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	c, err := NewClient(clientConn, cfg, discard)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	start := time.Now()
	err = c.Handshake(context.Background())
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Handshake error = %v, want ErrTimeout", err)
	}
	// the first wait's timer was replaced, so the error counts from the second
	if elapsed := time.Since(start); elapsed < gap+protocol.DataTimeout {
		t.Errorf("failed after %v, before the second wait's timeout", elapsed)
	}
}

func TestClient_CloseEndsFrames(t *testing.T) {
	c, err := NewClient(startEchoSession(t), testClientConfig(), discard)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, ok := <-c.Frames(); ok {
		t.Error("Frames should be closed after Close")
	}
	if err := c.SendString("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if c.State() != protocol.StateClosed {
		t.Errorf("State = %s, want closed", c.State())
	}
}
