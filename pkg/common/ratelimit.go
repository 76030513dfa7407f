package common

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable
// limits. It tracks the remaining API quota and its reset time as reported by
// the server, and gates outbound calls so the quota is never overrun.
type RateLimiter struct {
	mu        sync.Mutex // Protects limiter and budget state
	limiter   *rate.Limiter
	remaining int64
	reset     time.Time
}

// NewRateLimiter creates a RateLimiter with the specified requests per second
// (rps) and burst size. The burst parameter controls how many requests can be
// made at once to accommodate temporary spikes in traffic. The budget starts
// unknown and is adopted from the first Update call.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		remaining: -1,
	}
}

// Reserve returns the duration the caller must wait before the next outbound
// call is safe, optimistically decrementing the tracked remaining quota. A
// zero duration means the call can proceed immediately. Reserve never fails;
// an exhausted quota yields a wait until the reported reset time.
func (rl *RateLimiter) Reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.remaining == 0 {
		if wait := time.Until(rl.reset); wait > 0 {
			return wait
		}
		// The window has rolled over but we haven't heard from the server
		// yet. Let one call through to resynchronize.
		rl.remaining = -1
	}

	if rl.remaining > 0 {
		rl.remaining--
	}

	return rl.limiter.Reserve().Delay()
}

// Update resynchronizes the tracked budget from the server's rate limit
// response. When the server reports fewer remaining calls than tracked
// locally, the more conservative value always wins; a new reset window
// replaces the budget wholesale. The underlying limiter is retuned to spread
// the remaining quota across the window.
func (rl *RateLimiter) Update(remaining int64, reset time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !reset.Equal(rl.reset) {
		rl.remaining = remaining
		rl.reset = reset
	} else if rl.remaining < 0 || remaining < rl.remaining {
		rl.remaining = remaining
	}

	if wait := time.Until(rl.reset); wait > 0 && rl.remaining > 0 {
		// Calculate safe request rate to use remaining quota until reset.
		rps := float64(rl.remaining) / wait.Seconds()
		burst := int(rl.remaining / 10)
		if burst < 1 {
			burst = 1
		}
		rl.limiter.SetLimit(rate.Limit(rps * 0.9))
		rl.limiter.SetBurst(burst)
	}
}

// Remaining returns the currently tracked remaining quota and its reset time.
// A negative remaining count means the budget is unknown.
func (rl *RateLimiter) Remaining() (int64, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.remaining, rl.reset
}
