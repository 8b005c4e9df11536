package transport

import (
	"sync"
	"time"
)

const (
	defaultRateLimit  = 10
	defaultRateWindow = time.Minute
)

// RateLimiter throttles outbound sends per target within a sliding
// window. It never blocks; callers surface RATE_LIMITED when Allow
// returns false.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sends  map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a sliding-window limiter. Non-positive
// arguments fall back to 10 sends per minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		sends:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a send attempt against target and reports whether it is
// within the limit for the trailing window. Expired entries are pruned
// on every call, so memory stays bounded by limit per active target.
func (rl *RateLimiter) Allow(target string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	recent := rl.sends[target][:0]
	for _, ts := range rl.sends[target] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= rl.limit {
		rl.sends[target] = recent
		return false
	}

	rl.sends[target] = append(recent, now)
	return true
}

// Reset clears all recorded sends. Tests use this to isolate instances.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sends = make(map[string][]time.Time)
}
