package gateway

import (
	"sync"
	"time"
)

const (
	defaultTurnsPerMinute = 30
	defaultMaxConcurrent  = 4

	reasonTooManyConcurrent = "too many concurrent requests"
	reasonRateLimited       = "rate limit exceeded"
)

// RateLimiter is a sliding one-minute window plus a concurrency cap.
type RateLimiter struct {
	mu            sync.Mutex
	perMinute     int
	maxConcurrent int
	starts        []time.Time
	concurrent    int
	now           func() time.Time
}

// NewRateLimiter creates a limiter; non-positive limits take defaults.
func NewRateLimiter(perMinute, maxConcurrent int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultTurnsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &RateLimiter{
		perMinute:     perMinute,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// Begin admits a request and records it, or returns the refusal reason.
// Every admitted request must be paired with End.
func (r *RateLimiter) Begin() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.maxConcurrent {
		return false, reasonTooManyConcurrent
	}
	now := r.now()
	r.prune(now)
	if len(r.starts) >= r.perMinute {
		return false, reasonRateLimited
	}
	r.starts = append(r.starts, now)
	r.concurrent++
	return true, ""
}

// End releases a concurrency slot taken by Begin.
func (r *RateLimiter) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrent > 0 {
		r.concurrent--
	}
}

// Stats returns requests in the current window and requests in progress.
func (r *RateLimiter) Stats() (windowCount, concurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.starts), r.concurrent
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := r.starts[:0]
	for _, t := range r.starts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.starts = keep
}
