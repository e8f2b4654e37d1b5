package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get for absent or expired keys. It is
// redis.Nil so callers can test either.
var ErrCacheMiss error = redis.Nil

// Cache holds session revocations, upload handles and custom domain answers.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache stores every key under prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) key(k string) string { return r.prefix + k }

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.key(key)).Result()
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

type cacheEntry struct {
	value    string
	deadline time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// MemoryCache keeps entries in process. Expired entries are dropped when
// read; every sweepEvery writes the whole map is swept. A zero ttl never
// expires.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	writes  int
	now     func() time.Time
}

const sweepEvery = 256

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]cacheEntry{}, now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", ErrCacheMiss
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return "", ErrCacheMiss
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.deadline = now.Add(ttl)
	}
	m.entries[key] = e
	m.writes++
	if m.writes%sweepEvery == 0 {
		for k, v := range m.entries {
			if v.expired(now) {
				delete(m.entries, k)
			}
		}
	}
	return nil
}

func (m *MemoryCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len counts stored entries, expired ones included until they are swept.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// NewCache uses redis when client answers a ping and memory otherwise.
func NewCache(ctx context.Context, client *redis.Client, prefix string) Cache {
	if client == nil {
		return NewMemoryCache()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return NewMemoryCache()
	}
	return NewRedisCache(client, prefix)
}
