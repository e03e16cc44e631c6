package protocol

// Buffer accumulates inbound bytes across calls and hands them out as
// fixed-length tokens. It only ever holds unconsumed bytes.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	data []byte
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds p to the tail of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// TryTakeExact returns the first n bytes and removes them from the buffer.
// If fewer than n bytes are buffered it returns false and leaves the buffer
// untouched. The returned slice is owned by the caller.
func (b *Buffer) TryTakeExact(n int) ([]byte, bool) {
	if n < 0 || len(b.data) < n {
		return nil, false
	}

	token := make([]byte, n)
	copy(token, b.data[:n])

	remaining := copy(b.data, b.data[n:])
	b.data = b.data[:remaining]
	if remaining == 0 && cap(b.data) > maxRetainedCap {
		b.data = nil
	}

	return token, true
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.data = nil
}

// maxRetainedCap bounds the backing array kept around once a large body has
// been drained.
const maxRetainedCap = 64 * 1024
