package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLimiter(rdb, window), mr
}

func TestRedisLimiter_AdmitsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	l, mr := newRedisLimiter(t, time.Minute)
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "t1", 2)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		clock.Advance(15 * time.Second)
	}

	d, err := l.Allow(ctx, "t1", 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
	assert.True(t, mr.Exists("ratelimit:t1"))

	clock.Advance(31 * time.Second)
	d, err = l.Allow(ctx, "t1", 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestRedisLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	l, mr := newRedisLimiter(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, "t0", 0)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, Unlimited, d.Limit)
	}
	assert.False(t, mr.Exists("ratelimit:t0"))
}

func TestRedisLimiter_SameMillisecondRequestsAreCounted(t *testing.T) {
	clock := newFakeClock()
	l, _ := newRedisLimiter(t, time.Minute)
	l.now = clock.Now

	for i := 0; i < 3; i++ {
		d, err := l.Allow(context.Background(), "t", 3)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(context.Background(), "t", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisLimiter_Concurrent(t *testing.T) {
	l, _ := newRedisLimiter(t, time.Hour)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := l.Allow(context.Background(), "tenant", 10); err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
}

func TestRedisLimiter_ErrorWhenStoreDown(t *testing.T) {
	l, mr := newRedisLimiter(t, time.Minute)
	mr.Close()

	_, err := l.Allow(context.Background(), "t", 1)
	assert.Error(t, err)
}
