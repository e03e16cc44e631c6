package client

import (
	"context"
	"testing"
	"time"

	"github.com/agendomat/myproto/internal/common"
)

func TestReconnector_NextDelay(t *testing.T) {
	cfg := &common.ReconnectConfig{
		Enabled:      true,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		MaxAttempts:  6,
	}
	r := NewReconnector(cfg, discard)

	bases := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, base := range bases {
		delay := r.NextDelay()
		maxDelay := base + base/4
		if delay < base || delay > maxDelay {
			t.Errorf("attempt %d: delay %v not in [%v, %v]", i+1, delay, base, maxDelay)
		}
	}

	if r.ShouldRetry() {
		t.Error("ShouldRetry should be false after MaxAttempts")
	}
	if d := r.NextDelay(); d != -1 {
		t.Errorf("delay past MaxAttempts = %v, want -1", d)
	}

	r.Reset()
	if r.Attempts() != 0 || r.CurrentDelay() != cfg.InitialDelay {
		t.Errorf("after Reset: attempts=%d delay=%v", r.Attempts(), r.CurrentDelay())
	}
	if !r.ShouldRetry() {
		t.Error("ShouldRetry should be true after Reset")
	}
}

func TestReconnector_Unlimited(t *testing.T) {
	r := NewReconnector(&common.ReconnectConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}, discard)

	for i := 0; i < 100; i++ {
		if d := r.NextDelay(); d < 0 {
			t.Fatalf("attempt %d stopped with unlimited retries", i+1)
		}
	}
	if !r.ShouldRetry() {
		t.Error("ShouldRetry should stay true with MaxAttempts 0")
	}
}

func TestReconnector_WaitHonorsContext(t *testing.T) {
	r := NewReconnector(&common.ReconnectConfig{
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   1,
	}, discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if r.Wait(ctx) {
		t.Error("Wait should return false on a cancelled context")
	}
	if time.Since(start) > time.Second {
		t.Error("Wait did not return promptly")
	}
}
