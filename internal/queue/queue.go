package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-dispatch/internal/metrics"
)

type Config struct {
	Workers      int
	MaxAttempts  int
	Backoff      Backoff
	PollInterval time.Duration
	// Lease is how long a claimed job stays owned by its worker without a
	// heartbeat before maintenance hands it to someone else.
	Lease time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Handler processes one job. A returned value is stored as the job result.
// Errors are retried unless wrapped with Permanent or the attempt was the
// last one.
type Handler func(ctx context.Context, job Job) (any, error)

// FailureHook is told about every job that failed for good, whether the
// handler gave up, panicked on its last attempt or lost its lease with no
// attempts left.
type FailureHook func(ctx context.Context, job Job)

type Queue struct {
	name  string
	store Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
	wake  chan struct{}

	running atomic.Bool
	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup

	statsMu sync.Mutex
	avg     time.Duration
	rng     *rand.Rand

	onFailed atomic.Pointer[FailureHook]
}

func New(name string, store Store, cfg Config) *Queue {
	return &Queue{
		name:  name,
		store: store,
		cfg:   cfg.withDefaults(),
		log:   slog.Default().With("component", "queue", "queue", name),
		now:   func() time.Time { return time.Now().UTC() },
		wake:  make(chan struct{}, 1),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (q *Queue) Name() string { return q.name }

// OnFailed installs the hook run after a job is marked failed.
func (q *Queue) OnFailed(h FailureHook) {
	q.onFailed.Store(&h)
}

func (q *Queue) failed(ctx context.Context, job Job) {
	h := q.onFailed.Load()
	if h == nil || *h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("failure hook panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	(*h)(ctx, job)
}

func (q *Queue) Workers() int { return q.cfg.Workers }

// MaxAttempts is the default attempt budget of new jobs.
func (q *Queue) MaxAttempts() int { return q.cfg.MaxAttempts }

// Enqueue stores a job and returns its id. The job becomes eligible at
// opts.RunAt, or after opts.Delay, whichever is later.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	now := q.now()
	runAt := now.Add(max(opts.Delay, 0))
	if opts.RunAt.After(runAt) {
		runAt = opts.RunAt.UTC()
	}
	state := StateWaiting
	if runAt.After(now) {
		state = StateDelayed
	}

	job := Job{
		ID:          opts.ID,
		Queue:       q.name,
		Type:        jobType,
		Payload:     raw,
		Priority:    opts.Priority,
		State:       state,
		RunAt:       runAt,
		MaxAttempts: opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Priority == 0 {
		job.Priority = PriorityNormal
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}

	if err := q.store.Add(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	q.notify()

	q.log.Debug("job enqueued",
		"job_id", job.ID,
		"type", jobType,
		"priority", job.Priority,
		"run_at", job.RunAt,
	)
	return job.ID, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	return q.store.Get(ctx, q.name, id)
}

// Cancel removes a job that no worker has picked up yet.
func (q *Queue) Cancel(ctx context.Context, id string) (Job, error) {
	job, err := q.store.Cancel(ctx, q.name, id, q.now())
	if err != nil {
		return job, err
	}
	metrics.JobsTotal.WithLabelValues(q.name, "cancelled").Inc()
	q.log.Info("job cancelled", "job_id", id)
	return job, nil
}

func (q *Queue) SetProgress(ctx context.Context, id string, progress int) error {
	return q.store.SetProgress(ctx, id, progress)
}

func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	return q.store.Counts(ctx, q.name, q.now())
}

// Start launches the worker pool. Jobs already running when ctx is cancelled
// or Stop is called are allowed to finish.
func (q *Queue) Start(ctx context.Context, h Handler) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running.Load() {
		return false
	}
	q.stop = make(chan struct{})
	q.running.Store(true)

	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, runCtx, i, h)
	}

	q.log.Info("queue workers started", "workers", q.cfg.Workers, "poll_interval", q.cfg.PollInterval.String())
	return true
}

// Stop signals the workers and waits for in-flight jobs, or for ctx.
func (q *Queue) Stop(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running.Load() {
		return false
	}
	close(q.stop)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.log.Warn("queue stop timed out with jobs in flight")
	}
	q.running.Store(false)

	q.log.Info("queue workers stopped")
	return true
}

func (q *Queue) IsRunning() bool {
	return q.running.Load()
}

func (q *Queue) worker(parent, ctx context.Context, n int, h Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		case <-parent.Done():
			return
		default:
		}

		job, ok, err := q.store.Claim(ctx, q.name, q.now(), q.cfg.Lease)
		if err != nil {
			q.log.Error("claim failed", "worker", n, "error", err)
		}
		if err != nil || !ok {
			if !q.idle(parent) {
				return
			}
			continue
		}
		q.run(ctx, job, h)
	}
}

// idle waits for new work or the poll interval. It reports false on shutdown.
func (q *Queue) idle(parent context.Context) bool {
	t := time.NewTimer(q.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-q.stop:
		return false
	case <-parent.Done():
		return false
	case <-q.wake:
		return true
	case <-t.C:
		return true
	}
}

func (q *Queue) run(ctx context.Context, job Job, h Handler) {
	start := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go q.heartbeat(hbCtx, job.ID)
	result, err := q.safeRun(ctx, job, h)
	stopHeartbeat()

	dur := time.Since(start)
	q.observe(dur)
	metrics.JobDuration.WithLabelValues(q.name).Observe(dur.Seconds())

	now := q.now()
	switch {
	case err == nil:
		var raw json.RawMessage
		if result != nil {
			if raw, err = json.Marshal(result); err != nil {
				q.log.Warn("job result not encodable", "job_id", job.ID, "error", err)
				raw = nil
			}
		}
		if err := q.store.Complete(ctx, job.ID, raw, now); err != nil {
			q.log.Error("complete job failed", "job_id", job.ID, "error", err)
			return
		}
		metrics.JobsTotal.WithLabelValues(q.name, "completed").Inc()
		q.log.Debug("job completed", "job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "duration_ms", dur.Milliseconds())

	case IsPermanent(err) || job.FinalAttempt():
		msg := errorMessage(err)
		if err := q.store.Fail(ctx, job.ID, msg, now); err != nil {
			q.log.Error("fail job failed", "job_id", job.ID, "error", err)
			return
		}
		metrics.JobsTotal.WithLabelValues(q.name, "failed").Inc()
		q.log.Warn("job failed",
			"job_id", job.ID,
			"type", job.Type,
			"attempts", job.Attempts,
			"permanent", IsPermanent(err),
			"error", msg,
		)
		job.State, job.LastError = StateFailed, msg
		q.failed(ctx, job)

	default:
		delay := q.backoff(job.Attempts, err)
		if err := q.store.Retry(ctx, job.ID, now.Add(delay), err.Error()); err != nil {
			q.log.Error("retry job failed", "job_id", job.ID, "error", err)
			return
		}
		metrics.JobsTotal.WithLabelValues(q.name, "retried").Inc()
		q.log.Info("job retry scheduled",
			"job_id", job.ID,
			"type", job.Type,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
	}
}

func errorMessage(err error) string {
	var pe permanentError
	if errors.As(err, &pe) {
		return pe.err.Error()
	}
	return err.Error()
}

func (q *Queue) safeRun(ctx context.Context, job Job, h Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("job handler panic recovered", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return h(ctx, job)
}

func (q *Queue) heartbeat(ctx context.Context, id string) {
	t := time.NewTicker(q.cfg.Lease / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := q.store.Extend(ctx, id, q.now().Add(q.cfg.Lease)); err != nil && ctx.Err() == nil {
				q.log.Warn("lease extension failed", "job_id", id, "error", err)
			}
		}
	}
}

func (q *Queue) backoff(attempt int, err error) time.Duration {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.cfg.Backoff.DelayFor(attempt, err, q.rng)
}

// observe keeps an exponentially weighted average of handler durations.
func (q *Queue) observe(d time.Duration) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	if q.avg == 0 {
		q.avg = d
		return
	}
	q.avg = (q.avg*4 + d) / 5
}

// Estimate predicts how long until a job with the given priority and run
// time finishes: the wait until runAt, plus the jobs ahead of it spread over
// the workers, plus its own run.
func (q *Queue) Estimate(ctx context.Context, priority int, runAt time.Time) (time.Duration, error) {
	now := q.now()
	ahead, err := q.store.Ahead(ctx, q.name, priority, now)
	if err != nil {
		return 0, err
	}

	q.statsMu.Lock()
	per := q.avg
	q.statsMu.Unlock()
	if per <= 0 {
		per = time.Second
	}

	wait := max(runAt.Sub(now), 0)
	rounds := float64(ahead)/float64(q.cfg.Workers) + 1
	return wait + time.Duration(rounds*float64(per)), nil
}

type MaintenanceReport struct {
	Requeued int
	// Failed counts expired jobs that had no attempts left.
	Failed int
	Purged int
	Counts map[State]int
}

// Maintain requeues jobs whose worker lease ran out, purges finished jobs
// older than retention and refreshes the depth gauges.
func (q *Queue) Maintain(ctx context.Context, retention time.Duration) (MaintenanceReport, error) {
	var rep MaintenanceReport
	now := q.now()

	n, failed, err := q.store.RequeueExpired(ctx, q.name, now)
	if err != nil {
		return rep, fmt.Errorf("requeue expired: %w", err)
	}
	rep.Requeued, rep.Failed = n, len(failed)
	if n > 0 {
		q.log.Warn("requeued jobs with expired lease", "count", n)
		q.notify()
	}
	for _, j := range failed {
		metrics.JobsTotal.WithLabelValues(q.name, "failed").Inc()
		q.log.Warn("job failed", "job_id", j.ID, "type", j.Type, "attempts", j.Attempts, "error", j.LastError)
		q.failed(ctx, j)
	}

	if retention > 0 {
		if rep.Purged, err = q.store.Purge(ctx, q.name, now.Add(-retention)); err != nil {
			return rep, fmt.Errorf("purge: %w", err)
		}
	}

	if rep.Counts, err = q.store.Counts(ctx, q.name, now); err != nil {
		return rep, fmt.Errorf("counts: %w", err)
	}
	for st, c := range rep.Counts {
		metrics.QueueDepth.WithLabelValues(q.name, string(st)).Set(float64(c))
	}
	return rep, nil
}
