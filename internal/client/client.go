package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send before the handshake has completed.
	ErrNotConnected = errors.New("handshake not complete")

	// ErrRejected is returned by Handshake when the echoed negotiation is REJECT.
	ErrRejected = errors.New("negotiation rejected")

	// ErrClosed is returned once the connection has ended.
	ErrClosed = errors.New("connection closed")
)

const readBufferSize = 4096

// Client speaks the protocol on one stream. It announces a version, sends
// ACCEPT, then runs its own engine over everything the server sends back:
// the echoed handshake and, when the server echoes frames, those frames.
type Client struct {
	config *common.ClientConfig
	conn   net.Conn
	out    *protocol.Writer
	logger *slog.Logger

	mu       sync.Mutex
	engine   *protocol.Engine
	timer    *time.Timer
	timerID  uint64
	stopped  bool
	tokens   int
	err      error
	received int64

	handshake  chan struct{}
	frames     chan protocol.Frame
	closed     chan struct{}
	done       chan struct{}
	connected  atomic.Bool
	started    atomic.Bool
	closeOnce  sync.Once
	readerOnce sync.Once
}

// NewClient wraps an established stream. Call Handshake before Send.
func NewClient(conn net.Conn, cfg *common.ClientConfig, logger *slog.Logger) (*Client, error) {
	if conn == nil {
		return nil, errors.New("connection is required")
	}
	if cfg == nil {
		cfg = common.DefaultClientConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		config: cfg,
		conn:   conn,
		logger: logger.With(
			slog.String("component", "client"),
			slog.String("remote_addr", conn.RemoteAddr().String())),
		handshake: make(chan struct{}),
		frames:    make(chan protocol.Frame, 64),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.out = protocol.NewWriter(&deadlineWriter{conn: conn, timeout: cfg.WriteTimeout})

	engine, err := protocol.NewEngine(&protocol.EngineConfig{
		Network:       clientNetwork{c},
		Timeouts:      clientTimer{c},
		Notifications: clientEvents{c},
		Logger:        c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	c.engine = engine
	return c, nil
}

// Dial opens a stream with d and completes the handshake on it.
func Dial(ctx context.Context, d *Dialer, cfg *common.ClientConfig, logger *slog.Logger) (*Client, error) {
	conn, err := d.DialWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.Handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Handshake sends the version header and ACCEPT, then waits until the
// server has echoed both back. It is bounded by ctx and HandshakeTimeout.
func (c *Client) Handshake(ctx context.Context) error {
	c.startReader()

	if c.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HandshakeTimeout)
		defer cancel()
	}

	if err := c.out.WriteVersion(c.config.Version); err != nil {
		return fmt.Errorf("failed to send version header: %w", err)
	}
	if err := c.out.WriteNegotiation(protocol.Accept); err != nil {
		return fmt.Errorf("failed to send negotiation: %w", err)
	}

	select {
	case <-c.handshake:
	case <-c.done:
		if !isClosed(c.handshake) {
			if err := c.Err(); err != nil {
				return fmt.Errorf("handshake failed: %w", err)
			}
			return fmt.Errorf("handshake failed: %w", ErrClosed)
		}
	case <-ctx.Done():
		return fmt.Errorf("handshake failed: %w", ctx.Err())
	}

	c.mu.Lock()
	negotiation := c.engine.Negotiation()
	version := c.engine.PeerVersion()
	c.mu.Unlock()

	if !negotiation.Accepted() {
		return ErrRejected
	}
	c.connected.Store(true)

	c.logger.Info("handshake complete",
		slog.Int("version", version),
		slog.String("negotiation", string(negotiation)))
	return nil
}

// Send writes one frame.
func (c *Client) Send(f protocol.Frame) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.out.WriteFrame(f)
}

// SendString writes a text frame.
func (c *Client) SendString(s string) error {
	return c.Send(protocol.Frame{Type: protocol.FrameTypeString, Body: []byte(s)})
}

// Frames returns the frames the server sent back. The channel is closed
// when the connection ends.
func (c *Client) Frames() <-chan protocol.Frame {
	return c.frames
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the protocol error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the state of the client's engine.
func (c *Client) State() protocol.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.State()
}

// Close closes the stream and waits for the read loop to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	if c.started.Load() {
		<-c.done
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (c *Client) startReader() {
	c.readerOnce.Do(func() {
		c.started.Store(true)
		go c.readLoop()
	})
}

// readLoop feeds the server's bytes into the engine until the stream ends.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.received += int64(n)
			c.engine.OnNetworkData(buf[:n])
			c.mu.Unlock()
		}
		if err != nil {
			c.mu.Lock()
			c.engine.OnPeerClosedConnection()
			c.stopTimers()
			received := c.received
			c.mu.Unlock()

			c.logger.Debug("connection ended",
				slog.Int64("bytes_in", received),
				slog.Any("error", err))
			return
		}
	}
}

// stopTimers cancels the pending timeout. Called with mu held.
func (c *Client) stopTimers() {
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// fireTimeout delivers the timeout of request id unless a later request
// has superseded it.
func (c *Client) fireTimeout(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.timer == nil || id != c.timerID {
		return
	}
	c.timer = nil
	c.engine.OnNetworkTimeout()
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// clientNetwork observes the echoed handshake tokens.
type clientNetwork struct{ c *Client }

func (n clientNetwork) OnNetworkData(data []byte) {
	n.c.tokens++
	if n.c.tokens == 2 {
		close(n.c.handshake)
	}
}

func (n clientNetwork) CloseConnection() {
	n.c.closeConn()
}

// clientTimer keeps one timer per client; a new request replaces the
// previous one.
type clientTimer struct{ c *Client }

func (t clientTimer) OnTimeoutRequested(d time.Duration) {
	c := t.c
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerID++
	id := c.timerID
	c.timer = time.AfterFunc(d, func() { c.fireTimeout(id) })
}

type clientEvents struct{ c *Client }

func (e clientEvents) OnFrame(f protocol.Frame) {
	select {
	case e.c.frames <- f:
	case <-e.c.closed:
	}
}

func (e clientEvents) OnError(err error) {
	e.c.err = err
	e.c.logger.Warn("protocol error from server stream",
		slog.String("code", protocol.ErrorToCode(err)),
		slog.Any("error", err))
	e.c.closeConn()
}

func (e clientEvents) OnEnd() {
	e.c.logger.Debug("server closed the stream")
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// deadlineWriter applies a write deadline before each write.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.Write(p)
}
