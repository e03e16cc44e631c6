package server

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/agendomat/myproto/internal/protocol"
)

// FrameHandler processes a frame delivered by a session's engine. Handlers
// run on the session's read loop after the engine lock is released, one
// frame at a time and in delivery order.
type FrameHandler interface {
	HandleFrame(s *Session, seq int64, f protocol.Frame) error
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(s *Session, seq int64, f protocol.Frame) error

// HandleFrame calls fn.
func (fn FrameHandlerFunc) HandleFrame(s *Session, seq int64, f protocol.Frame) error {
	return fn(s, seq, f)
}

// Chain runs handlers in order and stops at the first error.
type Chain []FrameHandler

// HandleFrame runs every handler in the chain.
func (c Chain) HandleFrame(s *Session, seq int64, f protocol.Frame) error {
	for _, h := range c {
		if err := h.HandleFrame(s, seq, f); err != nil {
			return err
		}
	}
	return nil
}

// maxLoggedBody caps the string body included in frame logs.
const maxLoggedBody = 256

// LogFrames logs each frame at debug level. String frames include their
// body when it is valid UTF-8.
func LogFrames() FrameHandler {
	return FrameHandlerFunc(func(s *Session, seq int64, f protocol.Frame) error {
		attrs := []any{
			slog.Int64("seq", seq),
			slog.String("type", string(rune(f.Type))),
			slog.Int("length", f.Len()),
		}
		if f.Type == protocol.FrameTypeString && utf8.Valid(f.Body) {
			body := f.Body
			if len(body) > maxLoggedBody {
				body = body[:maxLoggedBody]
			}
			attrs = append(attrs, slog.String("body", string(body)))
		}
		s.Logger().Debug("frame received", attrs...)
		return nil
	})
}

// FrameJournal stores delivered frames.
type FrameJournal interface {
	RecordFrame(sessionID string, seq int64, frameType byte, body []byte) error
}

// JournalFrames records every frame in the journal. Journal failures are
// logged and do not end the session.
func JournalFrames(j FrameJournal) FrameHandler {
	return FrameHandlerFunc(func(s *Session, seq int64, f protocol.Frame) error {
		if err := j.RecordFrame(s.ID, seq, f.Type, f.Body); err != nil {
			s.Logger().Warn("failed to journal frame",
				slog.Int64("seq", seq),
				slog.Any("error", err))
		}
		return nil
	})
}

// EchoFrames writes each frame back to the peer unchanged.
func EchoFrames() FrameHandler {
	return FrameHandlerFunc(func(s *Session, seq int64, f protocol.Frame) error {
		if err := s.writer().WriteFrame(f); err != nil {
			return fmt.Errorf("echo frame %d: %w", seq, err)
		}
		return nil
	})
}

// CountFrames updates the frame metrics.
func CountFrames(m *Metrics) FrameHandler {
	return FrameHandlerFunc(func(s *Session, seq int64, f protocol.Frame) error {
		m.FramesTotal.WithLabelValues(string(rune(f.Type))).Inc()
		m.FrameSize.Observe(float64(f.Len()))
		return nil
	})
}
