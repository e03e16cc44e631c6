package protocol

import "fmt"

// Known frame types. The engine does not restrict the type byte to these;
// any single ASCII character is accepted on the wire.
const (
	// FrameTypeString carries text.
	FrameTypeString byte = 'S'

	// FrameTypeImage carries an opaque image payload.
	FrameTypeImage byte = 'I'
)

// Frame is one message-phase protocol unit.
type Frame struct {
	Type byte
	Body []byte
}

// Len returns the body length.
func (f Frame) Len() int {
	return len(f.Body)
}

// String returns a short description suitable for logs.
func (f Frame) String() string {
	return fmt.Sprintf("%c:%05d", f.Type, len(f.Body))
}

// Negotiation is the peer's answer to a version header.
type Negotiation string

const (
	// Accept accepts the peer.
	Accept Negotiation = "ACCEPT"

	// Reject rejects the peer.
	Reject Negotiation = "REJECT"
)

// Accepted reports whether the response is ACCEPT.
func (n Negotiation) Accepted() bool {
	return n == Accept
}
