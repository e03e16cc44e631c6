// Package protocol implements the MYPROTO wire protocol: a short text
// handshake (version header, then ACCEPT or REJECT) followed by an unbounded
// sequence of typed, length-prefixed message frames. The Engine turns an
// arbitrarily fragmented byte stream into protocol events for one connection.
package protocol

import "time"

// Wire grammar constants. All tokens are ASCII.
const (
	// VersionPrefix opens every version header.
	VersionPrefix = "MYPROTO:VER:"

	// VersionHeaderLen is the full size of a version header, prefix included.
	VersionHeaderLen = 18

	// VersionDigits is the width of the numeric field after VersionPrefix.
	VersionDigits = VersionHeaderLen - len(VersionPrefix)

	// NegotiationLen is the size of an ACCEPT or REJECT response.
	NegotiationLen = 6

	// FrameHeaderLen is the size of "T:NNNNN:".
	FrameHeaderLen = 8

	// FrameLengthDigits is the width of the frame length field.
	FrameLengthDigits = 5

	// MaxBodyLen is the largest body a five digit length field can describe.
	MaxBodyLen = 99999

	// FrameSeparator separates the fields of a frame header.
	FrameSeparator = ':'
)

// DataTimeout is the duration requested from the TimeoutProvider whenever
// the engine starts waiting for the rest of a token.
const DataTimeout = 1000 * time.Millisecond

// ProtocolVersion is the version this implementation announces when it
// initiates a handshake.
const ProtocolVersion = 1

// MaxVersion is the largest value the numeric version field can carry.
const MaxVersion = 999999
