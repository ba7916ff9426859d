package runtime

import (
	"math"
	"time"
)

// Backoff computes reconnection delays. Zero values fall back to library
// defaults. Delay is pure: the session consults it, it never sleeps itself.
type Backoff struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

func (b Backoff) withDefaults() Backoff {
	if b.InitialInterval <= 0 {
		b.InitialInterval = 500 * time.Millisecond
	}
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = 10 * time.Second
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 5
	}
	return b
}

// Delay returns the wait before reconnection attempt number attempt (1-based):
// InitialInterval * Multiplier^(attempt-1), capped at MaxInterval.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.InitialInterval) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.MaxInterval) {
		return b.MaxInterval
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt exceeds the configured attempt cap.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.withDefaults().MaxAttempts
}
