package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket refills limit tokens per Window for each key, allowing bursts
// of up to limit. Idle buckets are evicted after Idle.
type TokenBucket struct {
	Window time.Duration
	Idle   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	limit    int
	lastSeen time.Time
}

func NewTokenBucket(window time.Duration) *TokenBucket {
	if window <= 0 {
		window = time.Minute
	}
	return &TokenBucket{
		Window:  window,
		Idle:    10 * window,
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
}

func (t *TokenBucket) Allow(_ context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict(now)
	b, ok := t.buckets[key]
	if !ok || b.limit != limit {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(t.Window/time.Duration(limit)), limit),
			limit:   limit,
		}
		t.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	tokens := int(b.limiter.TokensAt(now))
	if tokens < 0 {
		tokens = 0
	}
	count := limit - tokens
	if !allowed {
		count = limit + 1
	}
	reset := now.Add(t.Window / time.Duration(limit))
	return Decision{
		Allowed:   allowed,
		Count:     count,
		Limit:     limit,
		Remaining: tokens,
		ResetAt:   reset,
	}, nil
}

func (t *TokenBucket) evict(now time.Time) {
	if t.Idle <= 0 {
		return
	}
	for k, b := range t.buckets {
		if now.Sub(b.lastSeen) > t.Idle {
			delete(t.buckets, k)
		}
	}
}
