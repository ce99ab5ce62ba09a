package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter: at most limit
// events in any window. Accepted event times live in a fixed ring, so Allow
// never allocates.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int // index of the oldest accepted event
	n      int // accepted events currently in the ring
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at now is permitted, and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expire(now)
	if r.n == len(r.ring) {
		return false
	}
	r.ring[(r.head+r.n)%len(r.ring)] = now
	r.n++
	return true
}

// Remaining returns how many events would still be allowed at now.
func (r *RateLimiter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expire(now)
	return len(r.ring) - r.n
}

func (r *RateLimiter) expire(now time.Time) {
	cut := now.Add(-r.window)
	for r.n > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % len(r.ring)
		r.n--
	}
}
