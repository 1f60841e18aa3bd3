package safety

import (
	"sync"
	"time"
)

// RateLimiter is an in-memory sliding-window limiter keyed by client
// identity (spec.md §4.J rate_limit_window_ms / rate_limit_max). No
// rate-limiting library appears anywhere in the example pack, so this is
// hand-rolled rather than imported.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter builds a limiter from caps. now defaults to time.Now.
func NewRateLimiter(caps Caps, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		window: caps.RateLimitWindow,
		max:    caps.RateLimitMax,
		hits:   make(map[string][]time.Time),
		now:    now,
	}
}

// Allow records a hit for key and reports whether it's within the limit.
func (r *RateLimiter) Allow(key string) bool {
	if r.max <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	hits := r.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.max {
		r.hits[key] = kept
		return false
	}
	r.hits[key] = append(kept, now)
	return true
}

// Reset discards all recorded hits, used by tests and admin resets.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = make(map[string][]time.Time)
}
