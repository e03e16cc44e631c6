package protocol

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"unicode/utf8"
)

// ParseVersionHeader validates an 18 byte version header and returns the
// announced version.
func ParseVersionHeader(token []byte) (int, error) {
	if len(token) != VersionHeaderLen {
		return 0, fmt.Errorf("%w: version header is %d bytes, want %d", ErrMalformedHeader, len(token), VersionHeaderLen)
	}
	if string(token[:len(VersionPrefix)]) != VersionPrefix {
		return 0, fmt.Errorf("%w: missing %q prefix", ErrMalformedHeader, VersionPrefix)
	}
	version, ok := parseDigits(token[len(VersionPrefix):])
	if !ok {
		return 0, fmt.Errorf("%w: version field %q is not numeric", ErrMalformedHeader, token[len(VersionPrefix):])
	}
	return version, nil
}

// ParseNegotiation validates a negotiation response.
func ParseNegotiation(token []byte) (Negotiation, error) {
	switch n := Negotiation(token); n {
	case Accept, Reject:
		return n, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrMalformedNegotiation, token)
	}
}

// ParseFrameHeader validates an 8 byte frame header and returns the frame
// type and body length.
func ParseFrameHeader(token []byte) (byte, int, error) {
	if len(token) != FrameHeaderLen {
		return 0, 0, fmt.Errorf("%w: frame header is %d bytes, want %d", ErrMalformedHeader, len(token), FrameHeaderLen)
	}
	if token[1] != FrameSeparator || token[FrameHeaderLen-1] != FrameSeparator {
		return 0, 0, fmt.Errorf("%w: bad separators in %q", ErrMalformedHeader, token)
	}
	if token[0] >= utf8.RuneSelf {
		return 0, 0, fmt.Errorf("%w: frame type %#x is not ASCII", ErrMalformedHeader, token[0])
	}
	length, ok := parseDigits(token[2 : 2+FrameLengthDigits])
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedLength, token[2:2+FrameLengthDigits])
	}
	return token[0], length, nil
}

// parseDigits decodes a run of ASCII decimal digits. strconv.Atoi alone would
// also accept a sign.
func parseDigits(field []byte) (int, bool) {
	if len(field) == 0 {
		return 0, false
	}
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(string(field))
	if err != nil {
		return 0, false
	}
	return n, true
}

// EncodeVersionHeader returns the version header announcing version.
func EncodeVersionHeader(version int) ([]byte, error) {
	if version < 0 || version > MaxVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	return []byte(fmt.Sprintf("%s%0*d", VersionPrefix, VersionDigits, version)), nil
}

// EncodeFrame returns the wire form of f.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Body) > MaxBodyLen {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrBodyTooLarge, len(f.Body), MaxBodyLen)
	}
	if f.Type >= utf8.RuneSelf {
		return nil, fmt.Errorf("%w: frame type %#x is not ASCII", ErrMalformedHeader, f.Type)
	}
	out := make([]byte, 0, FrameHeaderLen+len(f.Body))
	out = append(out, f.Type, FrameSeparator)
	out = append(out, fmt.Sprintf("%0*d", FrameLengthDigits, len(f.Body))...)
	out = append(out, FrameSeparator)
	out = append(out, f.Body...)
	return out, nil
}

// Writer encodes protocol tokens onto an io.Writer.
// It is safe for concurrent use; each token is written with a single Write.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer for w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteVersion writes a version header.
func (c *Writer) WriteVersion(version int) error {
	data, err := EncodeVersionHeader(version)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// WriteNegotiation writes an ACCEPT or REJECT response.
func (c *Writer) WriteNegotiation(n Negotiation) error {
	if n != Accept && n != Reject {
		return fmt.Errorf("%w: %q", ErrMalformedNegotiation, string(n))
	}
	return c.WriteRaw([]byte(n))
}

// WriteFrame writes a message frame.
func (c *Writer) WriteFrame(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// WriteRaw writes already encoded bytes.
func (c *Writer) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write %d bytes: %w", len(data), err)
	}
	return nil
}
