package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addJob(t *testing.T, s Store, id string, priority int, runAt time.Time, state State) {
	t.Helper()
	require.NoError(t, s.Add(context.Background(), Job{
		ID:          id,
		Queue:       "sms",
		Type:        "send",
		Priority:    priority,
		State:       state,
		RunAt:       runAt,
		MaxAttempts: 2,
		CreatedAt:   runAt,
		UpdatedAt:   runAt,
	}))
}

func TestMemoryStore_ClaimSkipsCancelledEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addJob(t, s, "a", PriorityUrgent, now, StateWaiting)
	addJob(t, s, "b", PriorityLow, now, StateWaiting)
	_, err := s.Cancel(ctx, "sms", "a", now)
	require.NoError(t, err)

	job, ok, err := s.Claim(ctx, "sms", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", job.ID)
	assert.Equal(t, StateActive, job.State)
	assert.Equal(t, 1, job.Attempts)

	_, ok, err = s.Claim(ctx, "sms", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_RetryDelaysClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addJob(t, s, "a", PriorityNormal, now, StateWaiting)
	_, ok, err := s.Claim(ctx, "sms", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Retry(ctx, "a", now.Add(time.Second), "busy"))

	_, ok, err = s.Claim(ctx, "sms", now.Add(500*time.Millisecond), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	job, ok, err := s.Claim(ctx, "sms", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "busy", job.LastError)
}

func TestMemoryStore_DelayedOrderedByRunAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addJob(t, s, "late", PriorityUrgent, now.Add(2*time.Second), StateDelayed)
	addJob(t, s, "early", PriorityLow, now.Add(time.Second), StateDelayed)

	job, ok, err := s.Claim(ctx, "sms", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "early", job.ID)

	job, ok, err = s.Claim(ctx, "sms", now.Add(3*time.Second), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "late", job.ID)
}

func TestMemoryStore_TransitionsRequireActive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addJob(t, s, "a", PriorityNormal, now, StateWaiting)
	assert.ErrorIs(t, s.Complete(ctx, "a", nil, now), ErrNotActive)
	assert.ErrorIs(t, s.Fail(ctx, "a", "x", now), ErrNotActive)
	assert.ErrorIs(t, s.Extend(ctx, "a", now), ErrNotActive)
	assert.ErrorIs(t, s.Retry(ctx, "missing", now, "x"), ErrJobNotFound)

	_, ok, err := s.Claim(ctx, "sms", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Cancel(ctx, "sms", "a", now)
	assert.ErrorIs(t, err, ErrNotCancelable)
}

func TestMemoryStore_RequeueExpiredFailsFinalAttempt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addJob(t, s, "a", PriorityNormal, now, StateWaiting)
	_, ok, err := s.Claim(ctx, "sms", now, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	n, failed, err := s.RequeueExpired(ctx, "sms", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, failed)

	_, ok, err = s.Claim(ctx, "sms", now, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	n, failed, err = s.RequeueExpired(ctx, "sms", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].ID)
	assert.Equal(t, StateFailed, failed[0].State)

	job, err := s.Get(ctx, "sms", "a")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "worker lease expired", job.LastError)
}

func TestMemoryStore_CountsAndAhead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addJob(t, s, "a", PriorityHigh, now, StateWaiting)
	addJob(t, s, "b", PriorityNormal, now, StateWaiting)
	addJob(t, s, "c", PriorityNormal, now.Add(time.Hour), StateDelayed)
	addJob(t, s, "d", PriorityLow, now.Add(-time.Second), StateDelayed)

	counts, err := s.Counts(ctx, "sms", now)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StateWaiting])
	assert.Equal(t, 1, counts[StateDelayed])
	assert.Equal(t, 0, counts[StateActive])

	ahead, err := s.Ahead(ctx, "sms", PriorityNormal, now)
	require.NoError(t, err)
	assert.Equal(t, 2, ahead)

	ahead, err = s.Ahead(ctx, "sms", PriorityUrgent, now)
	require.NoError(t, err)
	assert.Equal(t, 0, ahead)
}
