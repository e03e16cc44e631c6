package protocol

import (
	"errors"
	"log/slog"
)

// State is the engine's position in the protocol.
type State int32

const (
	// StateAwaitingVersionHeader waits for "MYPROTO:VER:" and the version field.
	StateAwaitingVersionHeader State = iota

	// StateAwaitingNegotiationResponse waits for ACCEPT or REJECT.
	StateAwaitingNegotiationResponse

	// StateAwaitingFrameHeader waits for "T:NNNNN:".
	StateAwaitingFrameHeader

	// StateAwaitingFrameBody waits for the body announced by the last header.
	StateAwaitingFrameBody

	// StateError is terminal: a grammar violation or timeout occurred.
	StateError

	// StateClosed is terminal: the peer closed the connection.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingVersionHeader:
		return "awaiting_version_header"
	case StateAwaitingNegotiationResponse:
		return "awaiting_negotiation_response"
	case StateAwaitingFrameHeader:
		return "awaiting_frame_header"
	case StateAwaitingFrameBody:
		return "awaiting_frame_body"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateError || s == StateClosed
}

// EngineConfig holds the collaborators of an Engine. They are fixed for the
// engine's lifetime.
type EngineConfig struct {
	Network       NetworkDataHandler
	Timeouts      TimeoutProvider
	Notifications NotificationsHandler
	Logger        *slog.Logger
}

// Engine is the protocol state machine for a single connection.
//
// The three entry points (OnNetworkData, OnNetworkTimeout,
// OnPeerClosedConnection) run synchronously to completion and never return
// errors; failures surface through the NotificationsHandler. Callers must
// serialize calls into one Engine. Collaborators must not call back into the
// engine from their callbacks.
type Engine struct {
	network       NetworkDataHandler
	timeouts      TimeoutProvider
	notifications NotificationsHandler
	logger        *slog.Logger

	buf      *Buffer
	state    State
	episodes episodeTracker

	frameType   byte
	bodyLen     int
	peerVersion int
	negotiation Negotiation
}

// NewEngine creates an engine in StateAwaitingVersionHeader.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine config is required")
	}
	if cfg.Network == nil {
		return nil, errors.New("network data handler is required")
	}
	if cfg.Timeouts == nil {
		return nil, errors.New("timeout provider is required")
	}
	if cfg.Notifications == nil {
		return nil, errors.New("notifications handler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		network:       cfg.Network,
		timeouts:      cfg.Timeouts,
		notifications: cfg.Notifications,
		logger:        logger.With(slog.String("component", "engine")),
		buf:           NewBuffer(),
		state:         StateAwaitingVersionHeader,
		peerVersion:   -1,
	}, nil
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// PeerVersion returns the version announced by the peer, or -1 before the
// version header has been accepted.
func (e *Engine) PeerVersion() int {
	return e.peerVersion
}

// Negotiation returns the negotiation response received, if any.
func (e *Engine) Negotiation() Negotiation {
	return e.negotiation
}

// Buffered returns the number of received bytes not yet consumed.
func (e *Engine) Buffered() int {
	return e.buf.Len()
}

// OnNetworkData feeds a chunk of any size into the engine and processes
// every token that can be completed.
func (e *Engine) OnNetworkData(data []byte) {
	if e.state.Terminal() {
		return
	}
	e.buf.Append(data)
	e.process()
}

// OnNetworkTimeout is called by the TimeoutProvider when a requested timer
// expires. It is attributed to the most recent request; if that request
// belongs to an already completed wait, the timeout is ignored.
func (e *Engine) OnNetworkTimeout() {
	if e.state.Terminal() {
		return
	}
	if !e.episodes.fire() {
		e.logger.Debug("ignoring stale timeout",
			slog.String("state", e.state.String()),
			slog.Bool("waiting", e.episodes.waiting()))
		return
	}
	e.fail(NewProtocolError(e.state, "expected data did not arrive", ErrTimeout))
}

// OnPeerClosedConnection is called by the transport when the peer closes
// the connection. It has an effect only once, and none after an error.
func (e *Engine) OnPeerClosedConnection() {
	if e.state.Terminal() {
		return
	}
	e.logger.Debug("peer closed connection", slog.String("state", e.state.String()))

	e.state = StateClosed
	e.episodes.end()
	e.buf.Reset()
	e.notifications.OnEnd()
	e.network.CloseConnection()
}

// process consumes complete tokens until the buffer runs short or the
// engine reaches a terminal state.
func (e *Engine) process() {
	for !e.state.Terminal() {
		done, err := e.step()
		if err != nil {
			e.fail(err)
			return
		}
		if !done {
			e.awaitMore()
			return
		}
		e.episodes.end()
	}
}

// step tries to complete the token expected in the current state.
func (e *Engine) step() (bool, error) {
	switch e.state {
	case StateAwaitingVersionHeader:
		return e.stepVersionHeader()
	case StateAwaitingNegotiationResponse:
		return e.stepNegotiation()
	case StateAwaitingFrameHeader:
		return e.stepFrameHeader()
	case StateAwaitingFrameBody:
		return e.stepFrameBody()
	default:
		return false, nil
	}
}

func (e *Engine) stepVersionHeader() (bool, error) {
	token, ok := e.buf.TryTakeExact(VersionHeaderLen)
	if !ok {
		return false, nil
	}
	version, err := ParseVersionHeader(token)
	if err != nil {
		return false, NewProtocolError(e.state, "invalid version header", err)
	}

	e.peerVersion = version
	e.network.OnNetworkData(token)
	e.transition(StateAwaitingNegotiationResponse)
	return true, nil
}

func (e *Engine) stepNegotiation() (bool, error) {
	token, ok := e.buf.TryTakeExact(NegotiationLen)
	if !ok {
		return false, nil
	}
	n, err := ParseNegotiation(token)
	if err != nil {
		return false, NewProtocolError(e.state, "invalid negotiation response", err)
	}

	e.negotiation = n
	e.network.OnNetworkData(token)
	e.transition(StateAwaitingFrameHeader)
	return true, nil
}

func (e *Engine) stepFrameHeader() (bool, error) {
	token, ok := e.buf.TryTakeExact(FrameHeaderLen)
	if !ok {
		return false, nil
	}
	frameType, length, err := ParseFrameHeader(token)
	if err != nil {
		return false, NewProtocolError(e.state, "invalid frame header", err)
	}

	e.frameType = frameType
	e.bodyLen = length
	e.transition(StateAwaitingFrameBody)
	return true, nil
}

func (e *Engine) stepFrameBody() (bool, error) {
	body, ok := e.buf.TryTakeExact(e.bodyLen)
	if !ok {
		return false, nil
	}

	e.notifications.OnFrame(Frame{Type: e.frameType, Body: body})
	e.frameType = 0
	e.bodyLen = 0
	e.transition(StateAwaitingFrameHeader)
	return true, nil
}

// awaitMore opens or continues a waiting episode and requests its timeout.
// An empty buffer on a token boundary is idle time, not a wait; a frame
// whose header has arrived is always waiting for its body.
func (e *Engine) awaitMore() {
	if e.buf.Len() == 0 && e.state != StateAwaitingFrameBody {
		return
	}
	e.episodes.begin()
	if e.episodes.claimRequest() {
		e.logger.Debug("requesting timeout",
			slog.String("state", e.state.String()),
			slog.Int("buffered", e.buf.Len()))
		e.timeouts.OnTimeoutRequested(DataTimeout)
	}
}

func (e *Engine) transition(next State) {
	e.logger.Debug("state transition",
		slog.String("from", e.state.String()),
		slog.String("to", next.String()))
	e.state = next
}

// fail moves the engine to StateError and reports err.
func (e *Engine) fail(err error) {
	e.logger.Debug("protocol error",
		slog.String("state", e.state.String()),
		slog.Any("error", err))

	e.state = StateError
	e.episodes.end()
	e.buf.Reset()
	e.notifications.OnError(err)
}
