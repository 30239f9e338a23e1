package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Call/internal/domain"
)

// CallRateLimiter is a sliding window over call attempts per identity.
type CallRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.IdentityID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewCallRateLimiter(limit int, interval time.Duration) *CallRateLimiter {
	return &CallRateLimiter{
		history:  make(map[domain.IdentityID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *CallRateLimiter) Allow(id domain.IdentityID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

// Forget drops the window of an identity that went away.
func (rl *CallRateLimiter) Forget(id domain.IdentityID) {
	rl.mu.Lock()
	delete(rl.history, id)
	rl.mu.Unlock()
}
