package changequeue

import (
	"sync"
	"time"
)

// rateLimiter allows at most one event per interval. It backs the
// rate-limited QueueOverflow warning described in §7 of the spec so a
// sustained overflow doesn't flood the log.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}
