package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agendomat/myproto/internal/common"
	"github.com/hashicorp/yamux"
)

// Listener accepts raw TCP connections and hands them to the session
// manager. In mux mode every connection is a yamux session and each stream
// gets its own engine.
type Listener struct {
	config   *common.ServerConfig
	manager  *SessionManager
	metrics  *Metrics
	listener net.Listener
	logger   *slog.Logger

	mu          sync.Mutex
	muxSessions map[string]*yamux.Session

	wg sync.WaitGroup
}

// NewListener creates a new listener.
func NewListener(cfg *common.ServerConfig, manager *SessionManager, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		config:      cfg,
		manager:     manager,
		metrics:     manager.metrics,
		logger:      logger.With(slog.String("component", "listener")),
		muxSessions: make(map[string]*yamux.Session),
	}
}

// DefaultYamuxConfig returns the yamux configuration for mux mode.
func DefaultYamuxConfig(cfg *common.ServerConfig) *yamux.Config {
	config := yamux.DefaultConfig()
	config.AcceptBacklog = 256
	config.EnableKeepAlive = true
	config.KeepAliveInterval = 30 * time.Second
	config.StreamOpenTimeout = 30 * time.Second
	config.StreamCloseTimeout = 5 * time.Minute
	config.LogOutput = io.Discard
	if cfg != nil && cfg.Timeouts.WriteTimeout > 0 {
		config.ConnectionWriteTimeout = cfg.Timeouts.WriteTimeout
	}
	return config
}

// Listen binds the configured address.
func (l *Listener) Listen() error {
	listener, err := net.Listen("tcp", l.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.config.ListenAddr, err)
	}
	l.listener = listener

	l.logger.Info("listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("transport", l.config.Transport))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It returns nil on a clean stop.
func (l *Listener) Serve(ctx context.Context) error {
	if l.listener == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			l.logger.Error("failed to accept connection", slog.Any("error", err))
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// Close stops accepting and tears down yamux sessions. Sessions themselves
// are closed by the manager.
func (l *Listener) Close() error {
	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}

	l.mu.Lock()
	for id, mux := range l.muxSessions {
		_ = mux.Close()
		delete(l.muxSessions, id)
	}
	l.mu.Unlock()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// handleConnection runs one accepted TCP connection.
func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()

	connID := common.GenerateConnID()
	logger := l.logger.With(
		slog.String("conn_id", connID),
		slog.String("remote_addr", conn.RemoteAddr().String()))
	logger.Debug("new connection")

	if l.config.Transport != common.TransportMux {
		if err := l.manager.Serve(conn, connID, common.TransportTCP); err != nil {
			logger.Debug("session not started", slog.Any("error", err))
		}
		return
	}

	l.serveMux(conn, connID, logger)
}

// serveMux accepts yamux streams until the session closes.
func (l *Listener) serveMux(conn net.Conn, connID string, logger *slog.Logger) {
	muxSession, err := yamux.Server(conn, DefaultYamuxConfig(l.config))
	if err != nil {
		logger.Error("failed to create yamux session", slog.Any("error", err))
		conn.Close()
		return
	}

	l.mu.Lock()
	l.muxSessions[connID] = muxSession
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.muxSessions, connID)
		l.mu.Unlock()
		muxSession.Close()
	}()

	slots := make(chan struct{}, l.config.Limits.MaxStreamsPerConn)
	var streams sync.WaitGroup
	defer streams.Wait()

	for {
		stream, err := muxSession.AcceptStream()
		if err != nil {
			if !errors.Is(err, io.EOF) && !muxSession.IsClosed() {
				logger.Debug("stopped accepting streams", slog.Any("error", err))
			}
			return
		}

		select {
		case slots <- struct{}{}:
		default:
			logger.Warn("stream limit reached",
				slog.Int("max_streams", l.config.Limits.MaxStreamsPerConn))
			l.metrics.SessionsRefused.WithLabelValues("stream_limit").Inc()
			stream.Close()
			continue
		}

		streams.Add(1)
		go func() {
			defer streams.Done()
			defer func() { <-slots }()
			if err := l.manager.Serve(stream, connID, common.TransportMux); err != nil {
				logger.Debug("stream session not started", slog.Any("error", err))
			}
		}()
	}
}
