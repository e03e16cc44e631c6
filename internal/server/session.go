package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/database"
	"github.com/agendomat/myproto/internal/protocol"
)

// End reasons recorded for a session.
const (
	EndReasonPeerClosed   = "peer_closed"
	EndReasonIdleTimeout  = "idle_timeout"
	EndReasonReadError    = "read_error"
	EndReasonWriteError   = "write_error"
	EndReasonRejected     = "rejected"
	EndReasonError        = "protocol_error"
	EndReasonHandlerError = "handler_error"
	EndReasonShutdown     = "shutdown"
)

// SessionJournal persists the lifecycle of sessions.
type SessionJournal interface {
	FrameJournal
	CreateSession(s *database.Session) error
	UpdateSessionHandshake(id string, peerVersion int, negotiation, state string) error
	EndSession(id, state, reason, errorCode string, bytesIn int64) error
}

// SessionConfig holds configuration for creating a new session.
type SessionConfig struct {
	Conn      net.Conn
	ConnID    string
	Transport string
	Handler   FrameHandler
	Journal   SessionJournal
	Metrics   *Metrics
	Logger    *slog.Logger

	ReadBufferSize int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Session hosts one protocol engine on one connection (a TCP connection, a
// yamux stream or a WebSocket). The read loop, timer callbacks and shutdown
// all enter the engine under mu.
//
// Engine callbacks never write to the connection or run frame handlers
// directly. They queue the work, and the read loop performs it after
// releasing mu, so a peer that stops reading cannot stall timers or Info.
type Session struct {
	// ID is the unique session identifier.
	ID string

	// ConnID identifies the transport connection. Streams of one yamux
	// session share it.
	ConnID string

	// Transport is "tcp", "mux" or "ws".
	Transport string

	// RemoteAddr is the remote address of the peer.
	RemoteAddr string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	conn    net.Conn
	out     *protocol.Writer
	handler FrameHandler
	journal SessionJournal
	metrics *Metrics
	logger  *slog.Logger

	readBufferSize int
	idleTimeout    time.Duration

	// mu serializes every call into engine and guards the fields below.
	mu          sync.Mutex
	engine      *protocol.Engine
	timer       *time.Timer
	timerID     uint64
	pending     []outbound
	closing     bool
	seq         int64
	handshaken  bool
	endReason   string
	errorCode   string
	lastFrameAt time.Time

	bytesIn   atomic.Int64
	frames    atomic.Int64
	closeOnce sync.Once
}

// NewSession creates a session and its engine. Serve must be called to start
// reading.
func NewSession(cfg *SessionConfig) (*Session, error) {
	if cfg == nil || cfg.Conn == nil {
		return nil, errors.New("session requires a connection")
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics("")
	}
	readBufferSize := cfg.ReadBufferSize
	if readBufferSize <= 0 {
		readBufferSize = 4096
	}

	sessionID := common.GenerateSessionID()
	remoteAddr := ""
	if addr := cfg.Conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("session_id", sessionID),
		slog.String("transport", cfg.Transport),
		slog.String("remote_addr", remoteAddr),
	)

	s := &Session{
		ID:             sessionID,
		ConnID:         cfg.ConnID,
		Transport:      cfg.Transport,
		RemoteAddr:     remoteAddr,
		CreatedAt:      time.Now(),
		conn:           cfg.Conn,
		out:            protocol.NewWriter(&deadlineWriter{conn: cfg.Conn, timeout: cfg.WriteTimeout}),
		handler:        cfg.Handler,
		journal:        cfg.Journal,
		metrics:        metrics,
		logger:         logger,
		readBufferSize: readBufferSize,
		idleTimeout:    cfg.IdleTimeout,
	}

	engine, err := protocol.NewEngine(&protocol.EngineConfig{
		Network:       sessionNetwork{s},
		Timeouts:      sessionTimer{s},
		Notifications: sessionEvents{s},
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = engine

	return s, nil
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

func (s *Session) writer() *protocol.Writer {
	return s.out
}

// Serve reads from the connection until it ends and feeds every chunk into
// the engine. It returns after the session has been finalized.
func (s *Session) Serve() {
	s.logger.Info("session started")
	s.metrics.SessionsTotal.WithLabelValues(s.Transport).Inc()

	if s.journal != nil {
		if err := s.journal.CreateSession(&database.Session{
			ID:          s.ID,
			ConnID:      s.ConnID,
			Transport:   s.Transport,
			RemoteAddr:  s.RemoteAddr,
			PeerVersion: -1,
			State:       protocol.StateAwaitingVersionHeader.String(),
			StartedAt:   s.CreatedAt.UTC(),
		}); err != nil {
			s.logger.Warn("failed to journal session", slog.Any("error", err))
		}
	}

	defer s.finish()

	buf := make([]byte, s.readBufferSize)
	for {
		if s.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.feed(buf[:n])
		}
		if err != nil {
			s.peerClosed(classifyReadError(err))
			return
		}
	}
}

// outbound is work queued by an engine callback: bytes to write back to
// the peer, or a delivered frame for the handler chain.
type outbound struct {
	raw   []byte
	frame protocol.Frame
	seq   int64
}

// feed passes one chunk to the engine, then performs the queued work.
func (s *Session) feed(data []byte) {
	s.mu.Lock()
	s.bytesIn.Add(int64(len(data)))
	s.metrics.BytesReceived.WithLabelValues(s.Transport).Add(float64(len(data)))

	s.engine.OnNetworkData(data)
	handshake := s.observeHandshake()

	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.journalHandshake(handshake)
	if s.flush(pending) {
		s.closeIfRequested()
	}
}

// flush writes and handles queued work in engine order. It runs on the read
// loop without mu, and reports false if the session was aborted.
func (s *Session) flush(pending []outbound) bool {
	for _, o := range pending {
		if o.raw != nil {
			if err := s.out.WriteRaw(o.raw); err != nil {
				s.logger.Warn("failed to echo header", slog.Any("error", err))
				s.abort(EndReasonWriteError)
				return false
			}
			continue
		}
		if err := s.handler.HandleFrame(s, o.seq, o.frame); err != nil {
			s.logger.Warn("frame handler failed", slog.Int64("seq", o.seq), slog.Any("error", err))
			s.abort(EndReasonHandlerError)
			return false
		}
	}
	return true
}

// closeIfRequested closes the connection once the engine has asked for it.
func (s *Session) closeIfRequested() {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		s.closeConn()
	}
}

func (s *Session) abort(reason string) {
	s.mu.Lock()
	s.setEndReason(reason)
	s.mu.Unlock()
	s.closeConn()
}

// handshakeRecord is the journal update for a completed negotiation.
type handshakeRecord struct {
	peerVersion int
	negotiation protocol.Negotiation
	state       string
}

// observeHandshake notices the negotiation once the engine has seen it and
// returns the journal update to make after mu is released. Called with mu
// held.
func (s *Session) observeHandshake() *handshakeRecord {
	if s.handshaken {
		return nil
	}
	n := s.engine.Negotiation()
	if n == "" {
		return nil
	}
	s.handshaken = true
	s.metrics.Negotiations.WithLabelValues(string(n)).Inc()

	s.logger.Info("negotiation complete",
		slog.Int("peer_version", s.engine.PeerVersion()),
		slog.String("response", string(n)))

	if !n.Accepted() {
		s.closing = true
		s.setEndReason(EndReasonRejected)
	}
	return &handshakeRecord{
		peerVersion: s.engine.PeerVersion(),
		negotiation: n,
		state:       s.engine.State().String(),
	}
}

func (s *Session) journalHandshake(rec *handshakeRecord) {
	if rec == nil || s.journal == nil {
		return
	}
	if err := s.journal.UpdateSessionHandshake(s.ID, rec.peerVersion, string(rec.negotiation), rec.state); err != nil {
		s.logger.Warn("failed to journal handshake", slog.Any("error", err))
	}
}

// peerClosed reports the end of the byte stream to the engine.
func (s *Session) peerClosed(reason string) {
	s.mu.Lock()
	s.setEndReason(reason)
	s.engine.OnPeerClosedConnection()
	s.mu.Unlock()

	s.closeIfRequested()
}

// fireTimeout is the callback of the timer requested by the engine. A timer
// superseded by a later request is ignored.
func (s *Session) fireTimeout(id uint64) {
	s.mu.Lock()
	if s.timer == nil || id != s.timerID {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.metrics.TimeoutsFired.Inc()
	s.engine.OnNetworkTimeout()
	s.mu.Unlock()

	s.closeIfRequested()
}

// Close ends the session from the server side.
func (s *Session) Close() error {
	s.mu.Lock()
	s.setEndReason(EndReasonShutdown)
	s.mu.Unlock()

	s.closeConn()
	return nil
}

// finish stops the pending timer and records the final state.
func (s *Session) finish() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	state := s.engine.State()
	reason := s.endReason
	code := s.errorCode
	s.mu.Unlock()

	s.closeConn()

	if reason == "" {
		reason = EndReasonPeerClosed
	}
	s.metrics.SessionEnds.WithLabelValues(reason).Inc()

	if s.journal != nil {
		if err := s.journal.EndSession(s.ID, state.String(), reason, code, s.bytesIn.Load()); err != nil {
			s.logger.Warn("failed to journal session end", slog.Any("error", err))
		}
	}

	s.logger.Info("session finished",
		slog.String("state", state.String()),
		slog.String("reason", reason),
		slog.Int64("frames", s.frames.Load()),
		slog.Int64("bytes_in", s.bytesIn.Load()),
		slog.Duration("duration", time.Since(s.CreatedAt)))
}

// setEndReason records the first reason the session ended. Called with mu
// held.
func (s *Session) setEndReason(reason string) {
	if s.endReason == "" {
		s.endReason = reason
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close connection", slog.Any("error", err))
		}
	})
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID          string    `json:"id"`
	ConnID      string    `json:"conn_id"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remote_addr"`
	State       string    `json:"state"`
	PeerVersion int       `json:"peer_version"`
	Negotiation string    `json:"negotiation,omitempty"`
	Frames      int64     `json:"frames"`
	BytesIn     int64     `json:"bytes_in"`
	Buffered    int       `json:"buffered"`
	CreatedAt   time.Time `json:"created_at"`
	LastFrameAt time.Time `json:"last_frame_at,omitzero"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:          s.ID,
		ConnID:      s.ConnID,
		Transport:   s.Transport,
		RemoteAddr:  s.RemoteAddr,
		State:       s.engine.State().String(),
		PeerVersion: s.engine.PeerVersion(),
		Negotiation: string(s.engine.Negotiation()),
		Frames:      s.frames.Load(),
		BytesIn:     s.bytesIn.Load(),
		Buffered:    s.engine.Buffered(),
		CreatedAt:   s.CreatedAt,
		LastFrameAt: s.lastFrameAt,
	}
}

// sessionNetwork queues forwarded header bytes for the peer.
type sessionNetwork struct{ s *Session }

func (n sessionNetwork) OnNetworkData(data []byte) {
	n.s.pending = append(n.s.pending, outbound{raw: bytes.Clone(data)})
}

func (n sessionNetwork) CloseConnection() {
	n.s.closing = true
}

// sessionTimer backs engine timeout requests with time.AfterFunc. Only the
// latest request has a live timer.
type sessionTimer struct{ s *Session }

func (t sessionTimer) OnTimeoutRequested(d time.Duration) {
	s := t.s
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerID++
	id := s.timerID
	s.metrics.TimeoutsRequested.Inc()
	s.timer = time.AfterFunc(d, func() { s.fireTimeout(id) })
}

// sessionEvents routes engine notifications into the session.
type sessionEvents struct{ s *Session }

func (e sessionEvents) OnFrame(f protocol.Frame) {
	s := e.s
	s.seq++
	s.frames.Add(1)
	s.lastFrameAt = time.Now()

	if s.handler == nil {
		return
	}
	s.pending = append(s.pending, outbound{frame: f, seq: s.seq})
}

func (e sessionEvents) OnError(err error) {
	s := e.s
	code := protocol.ErrorToCode(err)
	s.errorCode = code
	s.setEndReason(EndReasonError)
	s.metrics.ProtocolErrors.WithLabelValues(code).Inc()

	s.logger.Warn("protocol error",
		slog.String("code", code),
		slog.Any("error", err))
	s.closing = true
}

func (e sessionEvents) OnEnd() {
	e.s.logger.Debug("engine reached end of stream")
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

func classifyReadError(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return EndReasonPeerClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return EndReasonIdleTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return EndReasonShutdown
	default:
		return EndReasonReadError
	}
}
