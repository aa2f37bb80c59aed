package approval

import (
	"sync"
	"time"
)

// RateLimiter caps auto-approvals over a rolling window. It is
// process-wide shared state, safe for concurrent evaluators.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	cap    int
	grants []time.Time
}

// NewRateLimiter returns a limiter allowing at most cap grants per
// rolling window. A cap of zero disables auto-approval entirely.
func NewRateLimiter(cap int, window time.Duration) *RateLimiter {
	return &RateLimiter{window: window, cap: cap}
}

// TryAcquire records a grant at now if the rolling window has room and
// reports whether it did. Prune and grant happen under one lock so
// concurrent evaluators cannot overshoot the cap.
func (r *RateLimiter) TryAcquire(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.grants[:0]
	for _, t := range r.grants {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.grants = kept

	if len(r.grants) >= r.cap {
		return false
	}
	r.grants = append(r.grants, now)
	return true
}

// HasRoom reports whether the window could accept another grant without
// recording one. Advisory only; a later TryAcquire can still lose.
func (r *RateLimiter) HasRoom(now time.Time) bool {
	return r.InWindow(now) < r.cap
}

// InWindow returns the number of grants currently inside the rolling
// window, for observability.
func (r *RateLimiter) InWindow(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	n := 0
	for _, t := range r.grants {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
