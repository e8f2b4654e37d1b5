package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowCounter bumps the counter for one window and arms its expiry on the
// first hit.
var windowCounter = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter shares fixed windows across server instances. Windows are
// aligned to the epoch so every instance agrees on their boundaries. When
// Redis fails the limiter defers to Fallback, or reports the error if
// there is none.
type RedisLimiter struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter

	now func() time.Time
}

func NewRedis(client redis.Scripter, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(window),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	limit = max(limit, 1)
	if l.Client == nil {
		return l.degrade(ctx, key, limit, errors.New("ratelimit: redis client not configured"))
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	win := l.Window
	if win.Milliseconds() <= 0 {
		win = time.Minute
	}
	start := windowStart(now(), win)
	redisKey := l.Prefix + key + ":" + strconv.FormatInt(start.UnixMilli(), 36)

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// Keys expire a second after their window closes.
	n, err := windowCounter.Run(callCtx, l.Client, []string{redisKey}, win.Milliseconds()+1000).Int64()
	if err != nil {
		return l.degrade(ctx, key, limit, fmt.Errorf("ratelimit: redis counter: %w", err))
	}
	return decide(int(n), limit, start.Add(win)), nil
}

func (l *RedisLimiter) degrade(ctx context.Context, key string, limit int, cause error) (Decision, error) {
	if l.Fallback == nil {
		return Decision{}, cause
	}
	return l.Fallback.Allow(ctx, key, limit)
}
