package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agendomat/myproto/internal/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestManager(t *testing.T, namespace string) *SessionManager {
	t.Helper()
	cfg := testServerConfig(common.TransportTCP)
	return NewSessionManager(cfg, NewRegistry(0), nil, NewMetrics(namespace), slog.New(slog.DiscardHandler))
}

func TestSessionManager_RefusesAfterShutdown(t *testing.T) {
	m := newTestManager(t, "manager_refuse_test")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	if err := m.Serve(serverConn, "conn_late", "tcp"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Serve error = %v, want ErrShuttingDown", err)
	}
	if n := m.Registry().Count(); n != 0 {
		t.Errorf("registry count = %d, want 0", n)
	}
	if got := testutil.ToFloat64(m.metrics.SessionsRefused.WithLabelValues("shutdown")); got != 1 {
		t.Errorf("refused(shutdown) = %v, want 1", got)
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Read(make([]byte, 1)); err == nil {
		t.Error("refused connection should be closed")
	}
}

func TestSessionManager_ShutdownReachesConcurrentSessions(t *testing.T) {
	m := newTestManager(t, "manager_race_test")

	const n = 50
	var (
		wg    sync.WaitGroup
		peers = make([]net.Conn, n)
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		serverConn, clientConn := net.Pipe()
		peers[i] = clientConn
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Serve(serverConn, "conn_race", "tcp")
		}()
	}
	defer func() {
		for _, p := range peers {
			p.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// peers never close, so every Serve must have been ended by Shutdown
	served := make(chan struct{})
	go func() {
		wg.Wait()
		close(served)
	}()
	select {
	case <-served:
	case <-time.After(3 * time.Second):
		t.Fatal("a session registered during shutdown kept running")
	}

	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, ErrShuttingDown) {
			t.Errorf("Serve error = %v", err)
		}
	}
	if n := m.Registry().Count(); n != 0 {
		t.Errorf("registry count = %d, want 0", n)
	}
}
