package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

func TestInMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := NewInMemory(time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return clock }
	key := "ip:127.0.0.1"

	for i, want := range []Decision{
		{Allowed: true, Count: 1, Remaining: 1},
		{Allowed: true, Count: 2, Remaining: 0},
		{Allowed: false, Count: 3, Remaining: 0},
	} {
		d, err := limiter.Allow(ctx, key, 2)
		if err != nil || d.Allowed != want.Allowed || d.Count != want.Count || d.Remaining != want.Remaining {
			t.Fatalf("hit %d: %+v %v", i+1, d, err)
		}
		if !d.ResetAt.Equal(time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)) {
			t.Fatalf("reset at %v", d.ResetAt)
		}
	}
	if other, _ := limiter.Allow(ctx, "ip:10.0.0.1", 2); !other.Allowed || other.Count != 1 {
		t.Fatalf("keys must be independent, got %+v", other)
	}

	clock = clock.Add(50 * time.Second)
	reset, _ := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset at the window boundary, got %+v", reset)
	}
	if len(limiter.counts) != 1 {
		t.Fatalf("old windows should be dropped, have %d counters", len(limiter.counts))
	}
}

func TestInMemoryLimiterDefaults(t *testing.T) {
	limiter := NewInMemory(0)
	if limiter.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", limiter.window)
	}
	decision, err := limiter.Allow(context.Background(), "k", 0)
	if err != nil || !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v %v", decision, err)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewRedis(client, time.Minute)
	clock := time.UnixMilli(1_700_000_000_000 + 15_000)
	limiter.now = func() time.Time { return clock }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		d, err := limiter.Allow(ctx, "ip:1.2.3.4", 2)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if d.Allowed != want || d.Count != i+1 {
			t.Fatalf("hit %d: unexpected decision %+v", i+1, d)
		}
	}
	last, _ := limiter.Allow(ctx, "ip:1.2.3.4", 2)
	if want := time.UnixMilli(1_700_000_040_000).UTC(); !last.ResetAt.Equal(want) {
		t.Fatalf("reset at %v, want window end %v", last.ResetAt, want)
	}

	clock = clock.Add(time.Minute)
	next, _ := limiter.Allow(ctx, "ip:1.2.3.4", 2)
	if !next.Allowed || next.Count != 1 {
		t.Fatalf("expected a fresh count in the next window, got %+v", next)
	}
	if keys := mr.Keys(); len(keys) != 2 {
		t.Fatalf("expected one key per window, got %v", keys)
	}
	mr.FastForward(2 * time.Minute)
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("window keys should expire, got %v", keys)
	}
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
}

func TestRedisLimiterFallsBackToMemory(t *testing.T) {
	client := unreachableRedis()
	defer client.Close()
	limiter := NewRedis(client, time.Second)
	ctx := context.Background()

	first, err := limiter.Allow(ctx, "ip:a", 1)
	if err != nil || !first.Allowed {
		t.Fatalf("expected in-memory fallback allow, got %+v %v", first, err)
	}
	second, _ := limiter.Allow(ctx, "ip:a", 1)
	if second.Allowed {
		t.Fatalf("expected fallback limiter to enforce limits, got %+v", second)
	}
}

func TestRedisLimiterReportsErrorWithoutFallback(t *testing.T) {
	client := unreachableRedis()
	defer client.Close()
	limiter := NewRedis(client, time.Second)
	limiter.Fallback = nil
	if _, err := limiter.Allow(context.Background(), "ip:a", 1); err == nil {
		t.Fatal("expected redis failure to surface")
	}
}

func TestRedisLimiterUnexpectedScriptResult(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	original := windowCounter
	windowCounter = redis.NewScript(`return "bad-value"`)
	defer func() { windowCounter = original }()

	limiter := NewRedis(client, time.Second)
	limiter.Fallback = nil
	if _, err := limiter.Allow(context.Background(), "ip:a", 5); err == nil {
		t.Fatal("expected malformed script result to be reported")
	}
}

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(time.Second)
	now := time.Unix(1000, 0)
	tb.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := tb.Allow(ctx, "ip:a", 3)
		if !d.Allowed {
			t.Fatalf("burst hit %d denied: %+v", i+1, d)
		}
	}
	denied, _ := tb.Allow(ctx, "ip:a", 3)
	if denied.Allowed || denied.Remaining != 0 {
		t.Fatalf("expected bucket exhausted, got %+v", denied)
	}
	other, _ := tb.Allow(ctx, "ip:b", 3)
	if !other.Allowed {
		t.Fatal("buckets must be per key")
	}

	now = now.Add(400 * time.Millisecond)
	refilled, _ := tb.Allow(ctx, "ip:a", 3)
	if !refilled.Allowed {
		t.Fatalf("expected a token after refill, got %+v", refilled)
	}
}

func TestTokenBucketEvictsIdle(t *testing.T) {
	tb := NewTokenBucket(time.Second)
	now := time.Unix(1000, 0)
	tb.now = func() time.Time { return now }
	_, _ = tb.Allow(context.Background(), "ip:a", 1)
	now = now.Add(time.Minute)
	_, _ = tb.Allow(context.Background(), "ip:b", 1)
	if _, ok := tb.buckets["ip:a"]; ok {
		t.Fatal("expected idle bucket to be evicted")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int) (Decision, error) {
	return Decision{}, context.DeadlineExceeded
}

func TestIP(t *testing.T) {
	ctx := context.Background()
	lim := NewInMemory(time.Minute)
	if f, err := IP(ctx, lim, "1.1.1.1", 1); f != nil || err != nil {
		t.Fatalf("expected first hit allowed, got %v %v", f, err)
	}
	f, err := IP(ctx, lim, "1.1.1.1", 1)
	if err != nil || f == nil || f.Code != result.CodeRateLimitExceeded {
		t.Fatalf("expected rate_limit_exceeded, got %v %v", f, err)
	}
	if _, err := IP(ctx, failingLimiter{}, "1.1.1.1", 1); err == nil {
		t.Fatal("expected limiter error to be returned")
	}
	if f, err := IP(ctx, nil, "1.1.1.1", 1); f != nil || err != nil {
		t.Fatal("nil limiter admits everything")
	}
}
