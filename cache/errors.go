package cache

import "errors"

var (
	// ErrRedisNotAvailable Redis is not configured or unreachable
	ErrRedisNotAvailable = errors.New("redis not available")

	// ErrLockNotAcquired the lock is held by someone else
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLockUnavailable the lock backend could not be reached; nobody is
	// known to hold the lock
	ErrLockUnavailable = errors.New("lock backend unavailable")
)
