package protocol

import (
	"bytes"
	"testing"
)

func TestBuffer_TryTakeExact(t *testing.T) {
	tests := []struct {
		name      string
		chunks    []string
		take      int
		wantOK    bool
		wantToken string
		wantLeft  int
	}{
		{"empty buffer", nil, 1, false, "", 0},
		{"not enough", []string{"MYP"}, 4, false, "", 3},
		{"exact", []string{"ACCEPT"}, 6, true, "ACCEPT", 0},
		{"across chunks", []string{"AC", "CE", "PT"}, 6, true, "ACCEPT", 0},
		{"leaves remainder", []string{"ACCEPTS:"}, 6, true, "ACCEPT", 2},
		{"zero bytes", []string{"x"}, 0, true, "", 1},
		{"negative", []string{"x"}, -1, false, "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer()
			for _, c := range tt.chunks {
				b.Append([]byte(c))
			}

			token, ok := b.TryTakeExact(tt.take)
			if ok != tt.wantOK {
				t.Fatalf("TryTakeExact(%d) ok = %v, want %v", tt.take, ok, tt.wantOK)
			}
			if ok && string(token) != tt.wantToken {
				t.Errorf("TryTakeExact(%d) = %q, want %q", tt.take, token, tt.wantToken)
			}
			if b.Len() != tt.wantLeft {
				t.Errorf("Len() = %d, want %d", b.Len(), tt.wantLeft)
			}
		})
	}
}

func TestBuffer_ShortTakeDoesNotMutate(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("S:000"))

	if _, ok := b.TryTakeExact(FrameHeaderLen); ok {
		t.Fatal("expected short take to fail")
	}
	b.Append([]byte("05:"))

	token, ok := b.TryTakeExact(FrameHeaderLen)
	if !ok {
		t.Fatal("expected take to succeed once enough bytes arrived")
	}
	if string(token) != "S:00005:" {
		t.Errorf("token = %q, want %q", token, "S:00005:")
	}
}

func TestBuffer_TokenIsCopied(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("ACCEPTREJECT"))

	first, _ := b.TryTakeExact(6)
	second, _ := b.TryTakeExact(6)

	if !bytes.Equal(first, []byte("ACCEPT")) {
		t.Errorf("first token overwritten: %q", first)
	}
	if !bytes.Equal(second, []byte("REJECT")) {
		t.Errorf("second token = %q", second)
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := NewBuffer()
	b.Append(bytes.Repeat([]byte("x"), 10))
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", b.Len())
	}
}
