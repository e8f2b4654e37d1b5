// Package ratelimit provides the advisory per-caller limiters used by the
// HTTP and socket dispatchers.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts a hit against key. An error means the limiter could not
// decide; callers treat that as advisory and let the request through.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

// IP applies l to a caller address. It returns a rate_limit_exceeded
// failure when the caller is over budget.
func IP(ctx context.Context, l Limiter, ip string, limit int) (*result.Failure, error) {
	if l == nil {
		return nil, nil
	}
	d, err := l.Allow(ctx, "ip:"+ip, limit)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return result.RateLimitExceeded(), nil
	}
	return nil, nil
}

// InMemoryLimiter counts hits per key in epoch-aligned fixed windows, the
// same windows RedisLimiter uses, so falling back does not shift resets.
type InMemoryLimiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	counts  map[string]windowCount
	current time.Time
}

type windowCount struct {
	start time.Time
	n     int
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, now: time.Now, counts: map[string]windowCount{}}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) (Decision, error) {
	limit = max(limit, 1)
	start := windowStart(l.now(), l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	if start.After(l.current) {
		// Counters from earlier windows can never be read again.
		clear(l.counts)
		l.current = start
	}
	c := l.counts[key]
	if !c.start.Equal(start) {
		c = windowCount{start: start}
	}
	c.n++
	l.counts[key] = c
	return decide(c.n, limit, start.Add(l.window)), nil
}

func windowStart(t time.Time, window time.Duration) time.Time {
	ms, w := t.UnixMilli(), window.Milliseconds()
	if w <= 0 {
		return t.UTC()
	}
	return time.UnixMilli(ms - ms%w).UTC()
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}
