package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker hands out named, exclusive, non-blocking locks.
type Locker interface {
	// TryLock returns ErrLockNotAcquired when name is already held.
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), err error)
}

// WithLock runs action while holding name.
func WithLock(ctx context.Context, l Locker, name string, ttl time.Duration, action func() error) error {
	unlock, err := l.TryLock(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer unlock()
	return action()
}

// RedisLocker is a redsync backed Locker shared by every instance.
type RedisLocker struct {
	rs *redsync.Redsync
}

// NewRedisLocker creates a distributed locker on client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	pool := goredis.NewPool(client)
	return &RedisLocker{rs: redsync.New(pool)}
}

// TryLock acquires name once without retrying. The lease is extended every
// ttl/2 until unlock is called.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 8 * time.Second
	}
	mutex := l.rs.NewMutex(name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithDriftFactor(0.01),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, lockError(name, err)
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if ok, err := mutex.Extend(); !ok || err != nil {
					slog.Warn("failed to extend lock", "name", name, "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			if _, err := mutex.Unlock(); err != nil {
				slog.Warn("failed to release lock", "name", name, "error", err)
			}
		})
	}, nil
}

// lockError separates contention from backend failures. Only a lock held
// elsewhere is ErrLockNotAcquired; a node error of any kind means the
// holder is unknown.
func lockError(name string, err error) error {
	var (
		redisErr  *redsync.RedisError
		taken     *redsync.ErrTaken
		nodeTaken *redsync.ErrNodeTaken
	)
	switch {
	case errors.As(err, &redisErr):
		return fmt.Errorf("%w: %s: %w", ErrLockUnavailable, name, err)
	case errors.Is(err, redsync.ErrFailed),
		errors.As(err, &taken),
		errors.As(err, &nodeTaken):
		return fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, name, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrLockUnavailable, name, err)
	}
}

// LocalLocker is an in-process Locker used when Redis is unavailable.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]struct{}
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]struct{})}
}

// TryLock implements Locker. ttl is ignored; the lock lives until unlock.
func (l *LocalLocker) TryLock(_ context.Context, name string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locks[name]; held {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, name)
	}
	l.locks[name] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locks, name)
			l.mu.Unlock()
		})
	}, nil
}

// NewLocker picks the redsync locker when client is set.
func NewLocker(client *redis.Client) Locker {
	if client == nil {
		return NewLocalLocker()
	}
	return NewRedisLocker(client)
}
