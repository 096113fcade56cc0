package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "tally:voting:1", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "tally:voting:1", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// other names are independent
	unlockOther, err := l.TryLock(ctx, "tally:voting:2", time.Minute)
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlock() // idempotent

	unlock, err = l.TryLock(ctx, "tally:voting:1", time.Minute)
	require.NoError(t, err)
	unlock()
}

func TestWithLock(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside, wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := WithLock(ctx, l, "job", time.Second, func() error {
				assert.Equal(t, int32(1), inside.Add(1))
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				wins.Add(1)
				return nil
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrLockNotAcquired)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.GreaterOrEqual(t, wins.Load(), int32(1))
}

func TestWithLock_PropagatesActionError(t *testing.T) {
	boom := errors.New("boom")
	err := WithLock(context.Background(), NewLocalLocker(), "x", time.Second, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRedisLocker_UnreachableIsNotContention(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	_, err := NewRedisLocker(client).TryLock(context.Background(), "tally:voting:1", time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
}

func TestLockError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"node taken", &redsync.ErrNodeTaken{Node: 0}, ErrLockNotAcquired},
		{"quorum taken", &redsync.ErrTaken{Nodes: []int{0, 1}}, ErrLockNotAcquired},
		{"failed", redsync.ErrFailed, ErrLockNotAcquired},
		{"connection refused", &redsync.RedisError{Node: 0, Err: errors.New("dial tcp: connection refused")}, ErrLockUnavailable},
		{"mixed nodes", errors.Join(&redsync.ErrNodeTaken{Node: 0}, &redsync.RedisError{Node: 1, Err: errors.New("i/o timeout")}), ErrLockUnavailable},
		{"context", context.DeadlineExceeded, ErrLockUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, lockError("tally:voting:1", tc.err), tc.want)
		})
	}
}

func TestNewLocker_LocalWithoutRedis(t *testing.T) {
	_, ok := NewLocker(nil).(*LocalLocker)
	assert.True(t, ok)
}

func TestHotCache_LocalReadThrough(t *testing.T) {
	c := NewHotCache(nil, nil)
	ctx := context.Background()

	var loads atomic.Int32
	loader := func(context.Context) ([]byte, error) {
		loads.Add(1)
		return []byte(`{"ok":true}`), nil
	}

	data, err := c.GetWithCache(ctx, "results:1", time.Minute, loader)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	_, err = c.GetWithCache(ctx, "results:1", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load())

	require.NoError(t, c.Invalidate(ctx, "results:1"))
	_, err = c.GetWithCache(ctx, "results:1", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestHotCache_ErrorsAreNotCached(t *testing.T) {
	c := NewHotCache(nil, nil)
	ctx := context.Background()
	notReady := errors.New("not ready")

	_, err := c.GetWithCache(ctx, "k", time.Minute, func(context.Context) ([]byte, error) { return nil, notReady })
	assert.ErrorIs(t, err, notReady)

	data, err := c.GetWithCache(ctx, "k", time.Minute, func(context.Context) ([]byte, error) { return []byte("1"), nil })
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestHotCache_Expiry(t *testing.T) {
	c := NewHotCache(nil, nil)
	ctx := context.Background()

	c.set(ctx, "k", []byte("old"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.get(ctx, "k")
	assert.False(t, ok)
}

func TestJitter(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitter(time.Hour)
		assert.GreaterOrEqual(t, d, time.Hour)
		assert.Less(t, d, time.Hour+6*time.Minute+1)
	}
	assert.Equal(t, time.Hour, jitter(0))
}

func TestLocalRateLimiter(t *testing.T) {
	l := NewLocalRateLimiter(0.001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	// separate bucket per key
	ok, _ = l.Allow(ctx, "5.6.7.8")
	assert.True(t, ok)
}

func TestTokenBucketRateLimiter_NoClient(t *testing.T) {
	l := NewTokenBucketRateLimiter(nil, "tally", 1, 1)
	_, err := l.Allow(context.Background(), "k")
	assert.ErrorIs(t, err, ErrRedisNotAvailable)
	assert.Equal(t, int64(2), l.ttlSeconds)
}
