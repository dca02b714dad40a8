package gateway

import (
	"sync"
	"time"
)

// UserLimiter is a per-user token bucket. Commands over the budget are
// rejected rather than queued.
type UserLimiter struct {
	mu      sync.Mutex
	max     float64
	rate    float64 // tokens per second
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

// NewUserLimiter returns nil when ratePerMinute is 0; a nil limiter allows
// everything.
func NewUserLimiter(maxBurst int, ratePerMinute float64) *UserLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if maxBurst <= 0 {
		maxBurst = 1
	}
	return &UserLimiter{
		max:     float64(maxBurst),
		rate:    ratePerMinute / 60.0,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from userID's bucket.
func (l *UserLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.max, lastTime: now}
		l.buckets[userID] = b
	}

	b.tokens += now.Sub(b.lastTime).Seconds() * l.rate
	if b.tokens > l.max {
		b.tokens = l.max
	}
	b.lastTime = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// Prune drops buckets that have refilled completely.
func (l *UserLimiter) Prune() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, b := range l.buckets {
		if b.tokens+now.Sub(b.lastTime).Seconds()*l.rate >= l.max {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}
