package messaging

import (
	"sync"
	"time"
)

// Rate limit defaults applied when the configured values are invalid.
const (
	defaultRateMax    = 10
	defaultRateWindow = time.Minute
)

// RateLimiter is a per-sender sliding-window counter guarding sendMessage.
// It is transport-independent: both the request/response path and the
// realtime path go through the same instance.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets map[string][]time.Time
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = defaultRateMax
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		max:     max,
		window:  window,
		buckets: make(map[string][]time.Time),
	}
}

// Allow reports whether a send by userID at time "now" is permitted.
// When rejected, retryAfter is computed from the oldest in-window entry:
// the send becomes admissible once that entry slides out of the window.
func (r *RateLimiter) Allow(userID string, now time.Time) (ok bool, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)

	events := r.buckets[userID]
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}

	if len(dst) >= r.max {
		r.buckets[userID] = dst
		oldest := dst[0]
		for _, t := range dst[1:] {
			if t.Before(oldest) {
				oldest = t
			}
		}
		return false, oldest.Add(r.window).Sub(now)
	}

	dst = append(dst, now)
	r.buckets[userID] = dst
	return true, 0
}

// Prune drops buckets whose entries have all slid out of the window.
// Callers may run it periodically; Allow stays correct without it.
func (r *RateLimiter) Prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for id, events := range r.buckets {
		live := false
		for _, t := range events {
			if t.After(cut) {
				live = true
				break
			}
		}
		if !live {
			delete(r.buckets, id)
		}
	}
}
