package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/agendomat/myproto/internal/common"
)

// ErrShuttingDown is reported when a connection arrives during shutdown.
var ErrShuttingDown = errors.New("server is shutting down")

// SessionManager turns accepted connections into sessions. Every transport
// (TCP, yamux streams, WebSocket) hands its connections to Serve.
type SessionManager struct {
	config   *common.ServerConfig
	registry *Registry
	journal  SessionJournal
	metrics  *Metrics
	handler  FrameHandler
	logger   *slog.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewSessionManager creates a manager. journal may be nil to disable the
// frame journal.
func NewSessionManager(cfg *common.ServerConfig, registry *Registry, journal SessionJournal, metrics *Metrics, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics("")
	}

	chain := Chain{LogFrames(), CountFrames(metrics)}
	if journal != nil {
		chain = append(chain, JournalFrames(journal))
	}
	if cfg.EchoFrames {
		chain = append(chain, EchoFrames())
	}

	return &SessionManager{
		config:   cfg,
		registry: registry,
		journal:  journal,
		metrics:  metrics,
		handler:  chain,
		logger:   logger.With(slog.String("component", "session_manager")),
	}
}

// Registry returns the live session registry.
func (m *SessionManager) Registry() *Registry {
	return m.registry
}

// Serve runs a session on conn and blocks until it ends. The connection is
// always closed on return.
//
// The session is registered before the shutdown check, so a session that
// passes the check is always seen by Shutdown.
func (m *SessionManager) Serve(conn net.Conn, connID, transport string) error {
	session, err := NewSession(&SessionConfig{
		Conn:           conn,
		ConnID:         connID,
		Transport:      transport,
		Handler:        m.handler,
		Journal:        m.journal,
		Metrics:        m.metrics,
		Logger:         m.logger,
		ReadBufferSize: m.config.Limits.ReadBufferSize,
		IdleTimeout:    m.config.Timeouts.IdleTimeout,
		WriteTimeout:   m.config.Timeouts.WriteTimeout,
	})
	if err != nil {
		conn.Close()
		return err
	}

	if err := m.registry.Add(session); err != nil {
		m.logger.Warn("refusing connection",
			slog.String("remote_addr", session.RemoteAddr),
			slog.Any("error", err))
		m.metrics.SessionsRefused.WithLabelValues("limit").Inc()
		conn.Close()
		return err
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.registry.Remove(session.ID)
		conn.Close()
		m.metrics.SessionsRefused.WithLabelValues("shutdown").Inc()
		return ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()
	defer m.registry.Remove(session.ID)

	active := m.metrics.ActiveSessions.WithLabelValues(transport)
	active.Inc()
	defer active.Dec()

	session.Serve()
	return nil
}

// Shutdown closes every live session and waits for them to finish or for
// ctx to expire.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	sessions := m.registry.List()
	m.logger.Info("closing sessions", slog.Int("count", len(sessions)))
	for _, s := range sessions {
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("session shutdown timed out")
		return ctx.Err()
	}
}
