package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HotCache is a read-through cache for rendered JSON documents. It uses
// Redis when available and a process-local map otherwise.
type HotCache struct {
	redisClient RedisClient
	locker      Locker

	mu  sync.Mutex
	mem map[string]memEntry
}

type memEntry struct {
	data    []byte
	expires time.Time
}

// NewHotCache creates a cache. A nil client selects local mode.
func NewHotCache(client *redis.Client, locker Locker) *HotCache {
	c := &HotCache{locker: locker, mem: make(map[string]memEntry)}
	if client != nil {
		c.redisClient = client
	}
	if c.locker == nil {
		c.locker = NewLocalLocker()
	}
	return c
}

// GetWithCache returns the cached value of key or loads, caches and returns
// it. Loader errors are returned as is and never cached.
func (c *HotCache) GetWithCache(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := c.get(ctx, key); ok {
		return data, nil
	}

	// stampede guard: one loader per key, the others load without caching
	unlock, err := c.locker.TryLock(ctx, "cache_lock:"+key, 5*time.Second)
	if err != nil {
		if !errors.Is(err, ErrLockNotAcquired) {
			slog.Warn("cache lock failed", "key", key, "error", err)
		}
		return loader(ctx)
	}
	defer unlock()

	if data, ok := c.get(ctx, key); ok {
		return data, nil
	}

	data, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, data, jitter(ttl))
	return data, nil
}

// Invalidate drops key.
func (c *HotCache) Invalidate(ctx context.Context, key string) error {
	if c.redisClient == nil {
		c.mu.Lock()
		delete(c.mem, key)
		c.mu.Unlock()
		return nil
	}
	if err := c.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	return nil
}

func (c *HotCache) get(ctx context.Context, key string) ([]byte, bool) {
	if c.redisClient == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.mem[key]
		if !ok {
			return nil, false
		}
		if time.Now().After(e.expires) {
			delete(c.mem, key)
			return nil, false
		}
		return e.data, true
	}

	data, err := c.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (c *HotCache) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if c.redisClient == nil {
		c.mu.Lock()
		c.mem[key] = memEntry{data: data, expires: time.Now().Add(ttl)}
		c.mu.Unlock()
		return
	}
	if err := c.redisClient.Set(ctx, key, data, ttl).Err(); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

// jitter spreads expirations by up to 10% so keys do not expire together.
func jitter(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Hour
	}
	if spread := int64(ttl / 10); spread > 0 {
		return ttl + time.Duration(rand.Int63n(spread))
	}
	return ttl
}
