package common

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLogLevel(tt.in); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "info", "json").Info("hello", slog.String("k", "v"))
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("expected JSON record, got %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record should be filtered at warn level, got %q", buf.String())
	}
}

func TestGeneratedIDs(t *testing.T) {
	a, b := GenerateSessionID(), GenerateSessionID()
	if a == b {
		t.Error("session IDs should be unique")
	}
	if !strings.HasPrefix(a, "sess_") {
		t.Errorf("session ID %q missing prefix", a)
	}
	if !strings.HasPrefix(GenerateConnID(), "conn_") {
		t.Error("conn ID missing prefix")
	}
	if len(GenerateTokenID()) != 16 {
		t.Errorf("token ID length = %d, want 16", len(GenerateTokenID()))
	}
	if len(GenerateSecret()) != 64 {
		t.Errorf("secret length = %d, want 64", len(GenerateSecret()))
	}
}
