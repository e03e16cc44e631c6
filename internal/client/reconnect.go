package client

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/agendomat/myproto/internal/common"
)

// Reconnector paces dial retries with exponential backoff.
type Reconnector struct {
	config *common.ReconnectConfig
	logger *slog.Logger

	mu           sync.Mutex
	attempts     int
	currentDelay time.Duration
}

// NewReconnector creates a new reconnector.
func NewReconnector(cfg *common.ReconnectConfig, logger *slog.Logger) *Reconnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		config:       cfg,
		logger:       logger.With(slog.String("component", "reconnector")),
		currentDelay: cfg.InitialDelay,
	}
}

// NextDelay returns the delay before the next attempt, with up to 25%
// jitter. It returns -1 once MaxAttempts retries have been used.
func (r *Reconnector) NextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts++

	if r.config.MaxAttempts > 0 && r.attempts > r.config.MaxAttempts {
		r.logger.Warn("max dial attempts exceeded",
			slog.Int("attempts", r.attempts-1),
			slog.Int("max_attempts", r.config.MaxAttempts))
		return -1
	}

	multiplier := r.config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	base := float64(r.config.InitialDelay) * math.Pow(multiplier, float64(r.attempts-1))
	if r.config.MaxDelay > 0 && base > float64(r.config.MaxDelay) {
		base = float64(r.config.MaxDelay)
	}

	jitter := base * 0.25 * rand.Float64()
	delay := time.Duration(base + jitter)
	r.currentDelay = delay

	r.logger.Debug("calculated retry delay",
		slog.Int("attempt", r.attempts),
		slog.Duration("delay", delay))

	return delay
}

// Wait sleeps for the next delay. It returns false when retries are
// exhausted or ctx is done.
func (r *Reconnector) Wait(ctx context.Context) bool {
	delay := r.NextDelay()
	if delay < 0 {
		return false
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Reset clears the attempt count after a successful dial.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts = 0
	r.currentDelay = r.config.InitialDelay
}

// Attempts returns the number of delays handed out since the last Reset.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// CurrentDelay returns the last delay handed out.
func (r *Reconnector) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentDelay
}

// ShouldRetry reports whether another attempt is allowed.
func (r *Reconnector) ShouldRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.MaxAttempts == 0 {
		return true
	}
	return r.attempts < r.config.MaxAttempts
}
