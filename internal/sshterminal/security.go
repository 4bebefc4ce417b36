package sshterminal

import (
	"sync"
	"time"
)

// Limits applied to terminal traffic coming from the UI.
const (
	// MaxInputMessageSize is the largest single write sent to a stream.
	MaxInputMessageSize = 64 * 1024 // 64 KB

	// MaxTermCols is the maximum allowed terminal width.
	MaxTermCols = 500
	// MaxTermRows is the maximum allowed terminal height.
	MaxTermRows = 200

	// MessageRateLimit is the sustained number of writes per second per client.
	MessageRateLimit = 100
	// MessageRateBurst is the burst allowance for the rate limiter.
	MessageRateBurst = 200
)

// ClampSize bounds a terminal geometry to the allowed maximums. It reports
// false for non-positive dimensions.
func ClampSize(cols, rows int) (int, int, bool) {
	if cols <= 0 || rows <= 0 {
		return 0, 0, false
	}
	return min(cols, MaxTermCols), min(rows, MaxTermRows), true
}

// RateLimiter is a token bucket limiting how fast a client may write.
type RateLimiter struct {
	mu         sync.Mutex
	clock      Clock
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter with the given rate (tokens/sec) and
// burst size. A nil clock uses the wall clock.
func NewRateLimiter(clock Clock, rate float64, burst int) *RateLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &RateLimiter{
		clock:      clock,
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: clock.Now(),
	}
}

// Allow reports whether a message is permitted, consuming one token.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
