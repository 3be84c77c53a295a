// Package bot – ratelimit.go implements sliding-window admission control,
// one window per (user, platform). State is in-memory only and resets on
// restart.
package bot

import (
	"sync"
	"time"
)

// RateLimiter admits at most `limit` messages per key within the trailing
// window. Rejected calls do not count as admissions and do not extend the
// window.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[rateKey][]time.Time

	// lastSweep bounds how often idle keys are scanned. Without the
	// sweep the map holds one entry per user forever.
	lastSweep time.Time
}

type rateKey struct {
	userID   string
	platform string
}

// NewRateLimiter creates a limiter admitting limit messages per window.
// limit <= 0 disables limiting (every call admits).
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[rateKey][]time.Time),
	}
}

// Admit decides whether a message from (userID, platform) at `now` may
// proceed. The prune/check/append sequence runs under one lock, so
// concurrent calls for the same key never over-admit.
func (r *RateLimiter) Admit(userID, platform string, now time.Time) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)

	key := rateKey{userID, platform}
	cutoff := now.Add(-r.window)

	// Prune entries that fell out of the trailing window.
	times := r.windows[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.windows[key] = kept
		return false
	}
	r.windows[key] = append(kept, now)
	return true
}

// Reset clears all tracked windows.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = make(map[rateKey][]time.Time)
}

// sweepLocked drops keys whose every admission aged out of the window.
// Runs at most once per window length. Caller holds r.mu.
func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now

	cutoff := now.Add(-r.window)
	for key, times := range r.windows {
		idle := true
		for _, t := range times {
			if t.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(r.windows, key)
		}
	}
}
