package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryLimiter_AdmitsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLimiter(time.Minute)
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "t1", 3)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(10 * time.Second)
	}

	d, err := l.Allow(ctx, "t1", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	// oldest stamp is 30s old; it leaves the window in another 30s
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	clock.Advance(30 * time.Second)
	d, err = l.Allow(ctx, "t1", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	ctx := context.Background()

	d, _ := l.Allow(ctx, "a", 1)
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "a", 1)
	assert.False(t, d.Allowed)

	d, _ = l.Allow(ctx, "b", 1)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_Unlimited(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	for i := 0; i < 100; i++ {
		d, err := l.Allow(context.Background(), "t", Unlimited)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestMemoryLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	for i := 0; i < 10; i++ {
		d, err := l.Allow(context.Background(), "t", 0)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, Unlimited, d.Limit)
		assert.Zero(t, d.RetryAfter)
	}
	assert.Zero(t, l.Sweep(), "unlimited keys keep no log")
}

func TestMemoryLimiter_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	l := NewMemoryLimiter(time.Hour)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "tenant", 25)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), admitted.Load())
}

func TestMemoryLimiter_RollingWindowProperty(t *testing.T) {
	clock := newFakeClock()
	window := 10 * time.Second
	limit := 4
	l := NewMemoryLimiter(window)
	l.now = clock.Now

	var admitted []time.Time
	steps := []time.Duration{0, 1, 1, 1, 1, 2, 3, 1, 1, 1, 5, 1, 1, 1, 1, 1, 1, 9, 1, 1}
	for _, s := range steps {
		clock.Advance(s * time.Second)
		d, err := l.Allow(context.Background(), "t", limit)
		require.NoError(t, err)
		if d.Allowed {
			admitted = append(admitted, clock.Now())
		}
	}

	for i := range admitted {
		inWindow := 0
		for _, at := range admitted[i:] {
			if at.Sub(admitted[i]) < window {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, limit, "window starting at %v", admitted[i])
	}
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLimiter(time.Minute)
	l.now = clock.Now

	_, _ = l.Allow(context.Background(), "old", 5)
	clock.Advance(45 * time.Second)
	_, _ = l.Allow(context.Background(), "fresh", 5)
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Len(t, l.logs, 1)
}
