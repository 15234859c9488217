package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-identity token bucket, grounded on the same
// golang.org/x/time/rate dependency the retrieval pack's indexer throttle
// uses. Buckets are created lazily and are evicted only by Sweep; callers
// that never call Sweep bound memory by keying on a small identity space
// (user ID or API key ID).
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	lastSeen map[string]time.Time
}

// NewRateLimiter builds a limiter allowing rps requests per second per
// identity, with a bucket of burst tokens: up to burst requests in a row
// pass immediately before the rps refill rate applies.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether identity may proceed now, consuming a token if so.
func (r *RateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.buckets[identity]
	if !ok {
		lim = rate.NewLimiter(r.rps, r.burst)
		r.buckets[identity] = lim
	}
	r.lastSeen[identity] = time.Now()
	return lim.Allow()
}

// Sweep discards buckets idle for longer than maxIdle, bounding memory use
// for limiters keyed on a large or unbounded identity space.
func (r *RateLimiter) Sweep(maxIdle time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for id, last := range r.lastSeen {
		if last.Before(cutoff) {
			delete(r.buckets, id)
			delete(r.lastSeen, id)
		}
	}
}
