package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/queue"
)

type countingSweeper struct{ calls int }

func (c *countingSweeper) Sweep() int {
	c.calls++
	return 1
}

func TestMaintenance_RequeuesExpiredLeaseAndSweeps(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	q := queue.New("sms", store, queue.Config{Workers: 1, MaxAttempts: 3})

	id, err := q.Enqueue(ctx, "send-sms", map[string]string{"messageId": "m1"}, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// simulate a worker that claimed the job and died
	if _, ok, err := store.Claim(ctx, "sms", time.Now(), time.Millisecond); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	sw := &countingSweeper{}
	tick := Maintenance([]*queue.Queue{q}, sw, time.Hour)
	if err := tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != queue.StateWaiting {
		t.Fatalf("expected job back to waiting, got %s", job.State)
	}
	if sw.calls != 1 {
		t.Fatalf("expected sweeper to be called once, got %d", sw.calls)
	}
}

func TestMaintenance_NilSweeper(t *testing.T) {
	q := queue.New("sms-bulk", queue.NewMemoryStore(), queue.Config{})

	tick := Maintenance([]*queue.Queue{q}, nil, 0)
	if err := tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}
