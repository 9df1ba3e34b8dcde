package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists jobs. Claim must hand a job to exactly one caller.
type Store interface {
	Add(ctx context.Context, job Job) error
	Get(ctx context.Context, queue, id string) (Job, error)

	// Claim takes the highest priority job whose RunAt has passed, marks it
	// active under a lease and counts the attempt. ok is false when nothing
	// is eligible.
	Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (job Job, ok bool, err error)
	Extend(ctx context.Context, id string, until time.Time) error
	SetProgress(ctx context.Context, id string, progress int) error

	Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	Retry(ctx context.Context, id string, runAt time.Time, errMsg string) error
	Fail(ctx context.Context, id string, errMsg string, at time.Time) error

	// Cancel only succeeds for jobs that are not active or finished.
	Cancel(ctx context.Context, queue, id string, at time.Time) (Job, error)

	// RequeueExpired returns active jobs whose lease ran out to the queue, or
	// fails them when no attempts are left. The failed jobs are returned.
	RequeueExpired(ctx context.Context, queue string, now time.Time) (requeued int, failed []Job, err error)
	// Purge removes finished jobs older than before.
	Purge(ctx context.Context, queue string, before time.Time) (int, error)

	Counts(ctx context.Context, queue string, now time.Time) (map[State]int, error)
	// Ahead counts eligible jobs that would be claimed before a new job of
	// the given priority.
	Ahead(ctx context.Context, queue string, priority int, now time.Time) (int, error)
}
