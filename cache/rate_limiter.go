package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether a request identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NewRateLimiter picks the Redis token bucket when client is set.
func NewRateLimiter(client *redis.Client, prefix string, perSecond float64, burst int) RateLimiter {
	if client == nil {
		return NewLocalRateLimiter(perSecond, burst)
	}
	return NewTokenBucketRateLimiter(client, prefix, perSecond, burst)
}

// tokenBucketScript refills KEYS[1] at ARGV[2] tokens per second up to
// ARGV[3] and takes one token. ARGV[1] is now in milliseconds.
const tokenBucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens_key = key .. ":tokens"
local timestamp_key = key .. ":ts"

local tokens = tonumber(redis.call("get", tokens_key) or burst)
local last_update = tonumber(redis.call("get", timestamp_key) or now)

local elapsed = math.max(0, now - last_update) / 1000
local new_tokens = math.min(burst, tokens + elapsed * rate)

if new_tokens < 1 then
	return 0
end

new_tokens = new_tokens - 1

redis.call("setex", tokens_key, ttl, new_tokens)
redis.call("setex", timestamp_key, ttl, now)

return 1
`

// TokenBucketRateLimiter is a token bucket shared through Redis.
type TokenBucketRateLimiter struct {
	redisClient RedisClient
	prefix      string
	rate        float64
	burst       int
	ttlSeconds  int64
}

// NewTokenBucketRateLimiter creates a distributed limiter.
func NewTokenBucketRateLimiter(client RedisClient, prefix string, perSecond float64, burst int) *TokenBucketRateLimiter {
	if burst < 1 {
		burst = 1
	}
	// a bucket idle long enough to refill completely can be forgotten
	ttl := int64(2)
	if perSecond > 0 {
		ttl = int64(math.Ceil(float64(burst)/perSecond)) + 1
	}
	return &TokenBucketRateLimiter{
		redisClient: client,
		prefix:      fmt.Sprintf("rate_limit:%s", prefix),
		rate:        perSecond,
		burst:       burst,
		ttlSeconds:  ttl,
	}
}

// Allow implements RateLimiter.
func (l *TokenBucketRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.redisClient == nil {
		return false, ErrRedisNotAvailable
	}
	now := time.Now().UnixMilli()
	res, err := l.redisClient.Eval(ctx, tokenBucketScript,
		[]string{l.prefix + ":" + key}, now, l.rate, l.burst, l.ttlSeconds).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// maxLocalKeys bounds the per-key limiter map of LocalRateLimiter.
const maxLocalKeys = 10000

// LocalRateLimiter keeps one golang.org/x/time/rate limiter per key.
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewLocalRateLimiter creates an in-process limiter.
func NewLocalRateLimiter(perSecond float64, burst int) *LocalRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &LocalRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow implements RateLimiter.
func (l *LocalRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxLocalKeys {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}
