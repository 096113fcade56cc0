package cache

import (
	"context"
	"log/slog"
	"time"

	"evoting-tally/config"

	"github.com/redis/go-redis/v9"
)

// Connect opens the Redis client. It returns nil when REDIS_MOCK is set or
// the server cannot be reached, in which case callers run in local mode.
func Connect(cfg config.Config) *redis.Client {
	if cfg.RedisMock {
		slog.Info("redis mock mode forced, using in-process fallbacks")
		return nil
	}

	slog.Info("connecting to redis", "addr", cfg.RedisAddr)
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 3 * time.Second,
		ReadTimeout: 3 * time.Second,
		PoolSize:    10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, using in-process fallbacks", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return nil
	}

	slog.Info("redis connected", "addr", cfg.RedisAddr)
	return client
}

// Close closes client if it is set.
func Close(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		slog.Error("failed to close redis", "error", err)
		return
	}
	slog.Info("redis connection closed")
}
