// Package ratelimit caps how often one caller may hit the public client
// endpoints. Windows are fixed and aligned to the clock so every replica
// agrees on where a window starts.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of counting one request.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the window resets, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	left := d.ResetAt.Sub(now)
	if left <= 0 {
		return time.Second
	}
	return (left + time.Second - 1).Truncate(time.Second)
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// bucket returns the start and end of the window containing now.
func bucket(now time.Time, window time.Duration) (time.Time, time.Time) {
	start := now.Truncate(window)
	return start, start.Add(window)
}

func verdict(count, limit int, resetAt time.Time) Decision {
	d := Decision{Count: count, Limit: limit, ResetAt: resetAt, Allowed: count <= limit}
	if d.Allowed {
		d.Remaining = limit - count
	}
	return d
}

func normalize(window time.Duration, limit int) (time.Duration, int) {
	if window <= 0 {
		window = time.Minute
	}
	if limit < 1 {
		limit = 1
	}
	return window, limit
}

// InMemoryLimiter counts per process. Counters from finished windows are
// dropped the next time the window rolls over.
type InMemoryLimiter struct {
	window time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	current time.Time
	counts  map[string]int
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	window, _ = normalize(window, 1)
	return &InMemoryLimiter{window: window, Now: time.Now, counts: map[string]int{}}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	_, limit = normalize(l.window, limit)
	start, end := bucket(l.Now().UTC(), l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !start.Equal(l.current) {
		l.current = start
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return verdict(l.counts[key], limit, end)
}
