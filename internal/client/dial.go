package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agendomat/myproto/internal/common"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// WebSocketPath is appended to ws:// addresses that do not already end in it.
const WebSocketPath = "/myproto"

// Dialer opens byte streams to the server over the configured transport.
// In mux mode all streams share one yamux session, created on first use and
// recreated if it dies.
type Dialer struct {
	config *common.ClientConfig
	logger *slog.Logger

	mu         sync.Mutex
	muxConn    net.Conn
	muxSession *yamux.Session
}

// NewDialer creates a new dialer.
func NewDialer(cfg *common.ClientConfig, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		config: cfg,
		logger: logger.With(slog.String("component", "dialer")),
	}
}

// Dial opens one stream. It makes a single attempt.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	switch d.config.Transport {
	case common.TransportWS:
		return d.dialWebSocket(ctx)
	case common.TransportMux:
		return d.openStream(ctx)
	default:
		return d.dialTCP(ctx)
	}
}

// DialWithRetry calls Dial until it succeeds, backing off between
// attempts when reconnects are enabled.
func (d *Dialer) DialWithRetry(ctx context.Context) (net.Conn, error) {
	conn, err := d.Dial(ctx)
	if err == nil || !d.config.Reconnect.Enabled {
		return conn, err
	}

	r := NewReconnector(&d.config.Reconnect, d.logger)
	for {
		d.logger.Warn("dial failed, retrying",
			slog.String("addr", d.config.ServerAddr),
			slog.Int("attempt", r.Attempts()+1),
			slog.Any("error", err))

		if !r.Wait(ctx) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("giving up after %d retries: %w", r.Attempts()-1, err)
		}

		conn, err = d.Dial(ctx)
		if err == nil {
			r.Reset()
			return conn, nil
		}
	}
}

// Close tears down the shared mux session, if any.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.muxSession == nil {
		return nil
	}
	err := d.muxSession.Close()
	d.muxSession = nil
	d.muxConn = nil
	return err
}

func (d *Dialer) dialTCP(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.config.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.config.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.config.ServerAddr, err)
	}
	return conn, nil
}

func (d *Dialer) dialWebSocket(ctx context.Context) (net.Conn, error) {
	u, err := url.Parse(d.config.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	if !strings.HasSuffix(u.Path, WebSocketPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + WebSocketPath
	}

	d.logger.Debug("connecting via WebSocket", slog.String("url", u.String()))

	dialer := websocket.Dialer{HandshakeTimeout: d.config.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	return common.NewWSConn(ws), nil
}

func (d *Dialer) openStream(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.muxSession == nil || d.muxSession.IsClosed() {
		conn, err := d.dialTCP(ctx)
		if err != nil {
			return nil, err
		}
		session, err := yamux.Client(conn, defaultYamuxConfig(d.config))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create yamux session: %w", err)
		}
		d.muxConn = conn
		d.muxSession = session
		d.logger.Debug("mux session established", slog.String("addr", conn.RemoteAddr().String()))
	}

	stream, err := d.muxSession.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return stream, nil
}

// defaultYamuxConfig returns the yamux configuration for client sessions.
func defaultYamuxConfig(cfg *common.ClientConfig) *yamux.Config {
	config := yamux.DefaultConfig()
	config.EnableKeepAlive = true
	config.KeepAliveInterval = 30 * time.Second
	config.StreamOpenTimeout = 30 * time.Second
	config.LogOutput = io.Discard
	if cfg.WriteTimeout > 0 {
		config.ConnectionWriteTimeout = cfg.WriteTimeout
	}
	return config
}
