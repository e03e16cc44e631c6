package protocol

import (
	"errors"
	"fmt"
)

// Protocol-level errors reported to the NotificationsHandler.
var (
	// ErrMalformedHeader indicates a version or frame header that does not
	// match the grammar.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrMalformedLength indicates a frame length field that is not numeric.
	ErrMalformedLength = errors.New("malformed length field")

	// ErrMalformedNegotiation indicates a negotiation response other than
	// ACCEPT or REJECT. It is a kind of malformed header.
	ErrMalformedNegotiation = fmt.Errorf("%w: negotiation response", ErrMalformedHeader)

	// ErrTimeout indicates the expected bytes did not arrive in time.
	ErrTimeout = errors.New("timed out waiting for data")

	// ErrPeerClosed indicates the remote side closed the connection.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrBodyTooLarge is returned by encoders for bodies over MaxBodyLen.
	ErrBodyTooLarge = errors.New("frame body too large")

	// ErrInvalidVersion is returned by encoders for versions outside 0..MaxVersion.
	ErrInvalidVersion = errors.New("invalid protocol version")
)

// Error codes carried by ProtocolError.
const (
	ErrorCodeMalformedHeader = "MALFORMED_HEADER"
	ErrorCodeMalformedLength = "MALFORMED_LENGTH"
	ErrorCodeTimeout         = "TIMEOUT"
	ErrorCodePeerClosed      = "PEER_CLOSED"
	ErrorCodeInternalError   = "INTERNAL_ERROR"
)

// ProtocolError wraps an error with the engine state it occurred in.
type ProtocolError struct {
	Code       string
	State      State
	Message    string
	Underlying error
}

// Error implements the error interface.
func (pe *ProtocolError) Error() string {
	if pe.Underlying != nil {
		return fmt.Sprintf("%s in %s: %s (%s)", pe.Code, pe.State, pe.Message, pe.Underlying.Error())
	}
	return fmt.Sprintf("%s in %s: %s", pe.Code, pe.State, pe.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (pe *ProtocolError) Unwrap() error {
	return pe.Underlying
}

// NewProtocolError creates a ProtocolError, deriving the code from err.
func NewProtocolError(state State, message string, err error) *ProtocolError {
	return &ProtocolError{
		Code:       ErrorToCode(err),
		State:      state,
		Message:    message,
		Underlying: err,
	}
}

// ErrorToCode converts a known error to its corresponding error code.
func ErrorToCode(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrMalformedLength):
		return ErrorCodeMalformedLength
	case errors.Is(err, ErrMalformedHeader):
		return ErrorCodeMalformedHeader
	case errors.Is(err, ErrTimeout):
		return ErrorCodeTimeout
	case errors.Is(err, ErrPeerClosed):
		return ErrorCodePeerClosed
	default:
		return ErrorCodeInternalError
	}
}
