package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/metrics"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/queue"
)

type BulkConfig struct {
	BatchSize  int
	BatchDelay time.Duration
	// Concurrency caps parallel sends inside one batch.
	Concurrency int
}

func (c BulkConfig) withDefaults() BulkConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

type batchPayload struct {
	BulkJobID string `json:"bulkJobId"`
	TenantID  string `json:"tenantId"`
	Batch     int    `json:"batch"`
}

type BulkResult struct {
	BulkJobID    string           `json:"bulkJobId"`
	MessageCount int              `json:"messageCount"`
	Batches      int              `json:"batches"`
	Status       model.BulkStatus `json:"status"`
	// JobID is the queue job of the first batch.
	JobID string `json:"jobId"`
}

type BatchResult struct {
	BulkJobID string `json:"bulkJobId"`
	Batch     int    `json:"batch"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// BulkProcessor splits bulk submissions into batches that run one after
// another on the bulk queue. Each batch job enqueues its successor when it
// finishes, so batches never overlap.
type BulkProcessor struct {
	d      *Dispatcher
	cfg    BulkConfig
	logger *slog.Logger
}

func NewBulkProcessor(d *Dispatcher, cfg BulkConfig) *BulkProcessor {
	return &BulkProcessor{
		d:      d,
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "bulk"),
	}
}

func batchJobID(bulkID string, batch int) string {
	return fmt.Sprintf("%s-batch-%d", bulkID, batch)
}

func (p *BulkProcessor) Submit(ctx context.Context, tenantID string, req BulkRequest) (BulkResult, error) {
	d := p.d
	if err := d.validate.Struct(req); err != nil {
		return BulkResult{}, validationError(err)
	}
	now := d.now()
	if err := checkSchedule(req.ScheduledAt, now); err != nil {
		return BulkResult{}, err
	}
	prio, err := model.ParsePriority(req.Priority)
	if err != nil {
		return BulkResult{}, apperr.Validation("%v", err)
	}

	t, err := d.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return BulkResult{}, err
	}
	if limit := t.Quotas.BulkSizeLimit; limit != model.Unlimited && len(req.Messages) > limit {
		metrics.Rejections.WithLabelValues("bulk_size").Inc()
		return BulkResult{}, apperr.BulkSizeExceeded(len(req.Messages), limit)
	}
	providerName, err := d.admit(ctx, t, req.Provider, len(req.Messages))
	if err != nil {
		return BulkResult{}, err
	}

	batchSize := p.cfg.BatchSize
	if req.BatchSize > 0 {
		batchSize = req.BatchSize
	}
	delay := p.cfg.BatchDelay
	if req.Delay != nil {
		delay = time.Duration(*req.Delay) * time.Millisecond
	}

	b := model.BulkJob{
		ID:                uuid.NewString(),
		TenantID:          t.ID,
		Provider:          providerName,
		Priority:          prio,
		BatchSize:         batchSize,
		InterBatchDelayMs: int(delay.Milliseconds()),
		Status:            model.BulkDraft,
		Statistics:        model.BulkStatistics{Total: len(req.Messages)},
		ScheduledAt:       req.ScheduledAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	msgs := make([]model.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := model.Message{
			ID:          uuid.NewString(),
			TenantID:    t.ID,
			BulkJobID:   b.ID,
			To:          m.To,
			From:        m.From,
			Body:        m.Body,
			Provider:    providerName,
			Priority:    prio,
			Status:      model.Pending,
			ScheduledAt: req.ScheduledAt,
			MaxAttempts: d.deps.BulkQueue.MaxAttempts(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		msgs = append(msgs, msg)
		b.MessageIDs = append(b.MessageIDs, msg.ID)
	}

	if err := d.deps.BulkJobs.Create(ctx, b); err != nil {
		return BulkResult{}, fmt.Errorf("store bulk job: %w", err)
	}
	if err := d.deps.Messages.Create(ctx, msgs...); err != nil {
		_, _ = d.deps.BulkJobs.SetStatus(ctx, b.ID, model.BulkFailed, "messages could not be stored")
		return BulkResult{}, fmt.Errorf("store bulk messages: %w", err)
	}
	for _, m := range msgs {
		_, _ = d.ledger.transition(ctx, m.ID, model.Transition{To: model.Queued, At: now})
	}
	if _, err := d.deps.BulkJobs.SetStatus(ctx, b.ID, model.BulkProcessing, ""); err != nil {
		return BulkResult{}, err
	}

	var runAt time.Time
	if req.ScheduledAt != nil {
		runAt = *req.ScheduledAt
	}
	if err := p.enqueueBatch(ctx, b, 0, runAt); err != nil {
		_, _ = d.deps.BulkJobs.SetStatus(ctx, b.ID, model.BulkFailed, "could not be queued: "+err.Error())
		return BulkResult{}, err
	}

	batches := len(b.Batches())
	p.logger.Info("bulk job accepted",
		"tenant_id", t.ID,
		"bulk_job_id", b.ID,
		"messages", len(msgs),
		"batches", batches,
		"batch_size", batchSize,
		"batch_delay_ms", delay.Milliseconds(),
	)
	return BulkResult{
		BulkJobID:    b.ID,
		MessageCount: len(msgs),
		Batches:      batches,
		Status:       model.BulkProcessing,
		JobID:        batchJobID(b.ID, 0),
	}, nil
}

func (p *BulkProcessor) enqueueBatch(ctx context.Context, b model.BulkJob, batch int, runAt time.Time) error {
	_, err := p.d.deps.BulkQueue.Enqueue(ctx, JobBatch, batchPayload{BulkJobID: b.ID, TenantID: b.TenantID, Batch: batch}, queue.Options{
		ID:       batchJobID(b.ID, batch),
		Priority: b.Priority.Weight(),
		RunAt:    runAt,
	})
	// a replayed batch may chain its successor twice
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil
	}
	return err
}

// HandleBatch is the worker handler for the bulk queue. Messages of the
// batch are sent concurrently; permanent failures are counted and skipped.
// When a message failed transiently the whole batch is retried, which only
// resends what is still queued.
func (p *BulkProcessor) HandleBatch(ctx context.Context, job queue.Job) (any, error) {
	var pl batchPayload
	if err := job.Decode(&pl); err != nil {
		return nil, err
	}
	out := BatchResult{BulkJobID: pl.BulkJobID, Batch: pl.Batch}

	b, err := p.d.deps.BulkJobs.Get(ctx, pl.BulkJobID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	if b.Status == model.BulkCancelled || b.Status == model.BulkFailed {
		out.Skipped = true
		return out, nil
	}
	batches := b.Batches()
	if pl.Batch < 0 || pl.Batch >= len(batches) {
		return nil, queue.Permanent(fmt.Errorf("bulk job %s has no batch %d", b.ID, pl.Batch))
	}
	ids := batches[pl.Batch]

	var sent, failed, again, done atomic.Int32
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := p.deliverSafe(ctx, id, job.FinalAttempt())
			switch {
			case err == nil:
				if !res.Skipped {
					sent.Add(1)
				}
			case queue.IsPermanent(err):
				failed.Add(1)
			default:
				again.Add(1)
			}
			n := int(done.Add(1))
			if err := p.d.deps.BulkQueue.SetProgress(ctx, job.ID, n*100/len(ids)); err != nil {
				p.logger.Debug("batch progress update failed", "job_id", job.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Sent, out.Failed = int(sent.Load()), int(failed.Load())
	if n := again.Load(); n > 0 {
		return nil, fmt.Errorf("%d of %d messages in batch %d of bulk job %s need another attempt", n, len(ids), pl.Batch, b.ID)
	}

	p.logger.Info("bulk batch finished",
		"bulk_job_id", b.ID,
		"batch", pl.Batch+1,
		"of", len(batches),
		"sent", out.Sent,
		"failed", out.Failed,
	)

	if next := pl.Batch + 1; next < len(batches) {
		cur, err := p.d.deps.BulkJobs.Get(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == model.BulkCancelled {
			return out, nil
		}
		runAt := p.d.now().Add(time.Duration(b.InterBatchDelayMs) * time.Millisecond)
		if err := p.enqueueBatch(ctx, b, next, runAt); err != nil {
			return nil, fmt.Errorf("enqueue batch %d: %w", next, err)
		}
	}
	return out, nil
}

// deliverSafe turns a panic while sending one message into a permanent
// failure of that message so the rest of the batch carries on.
func (p *BulkProcessor) deliverSafe(ctx context.Context, id string, final bool) (res DeliveryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			p.logger.Error("message send panicked", "message_id", id, "panic", r, "stack", string(debug.Stack()))
			p.d.failMessage(ctx, id, reason)
			res, err = DeliveryResult{MessageID: id, Status: model.Failed}, queue.Permanent(errors.New(reason))
		}
	}()
	return p.d.deliver(ctx, id, final)
}

// batchFailed settles a batch job the queue gave up on. Its messages that
// never reached a provider are failed and the next batch is chained anyway,
// so the bulk job still runs to completion. When the chain cannot continue
// every later message is failed as well.
func (p *BulkProcessor) batchFailed(ctx context.Context, job queue.Job) {
	var pl batchPayload
	if err := job.Decode(&pl); err != nil {
		p.logger.Error("failed batch job has no readable payload", "job_id", job.ID, "error", err)
		return
	}
	b, err := p.d.deps.BulkJobs.Get(ctx, pl.BulkJobID)
	if err != nil {
		p.logger.Error("could not load bulk job of failed batch", "bulk_job_id", pl.BulkJobID, "job_id", job.ID, "error", err)
		return
	}
	batches := b.Batches()
	if pl.Batch < 0 || pl.Batch >= len(batches) {
		return
	}

	reason := fmt.Sprintf("batch %d failed: %s", pl.Batch+1, job.LastError)
	failed := p.failAll(ctx, batches[pl.Batch], reason)
	p.logger.Warn("bulk batch failed",
		"bulk_job_id", b.ID,
		"batch", pl.Batch+1,
		"of", len(batches),
		"messages_failed", failed,
		"error", job.LastError,
	)

	next := pl.Batch + 1
	if next >= len(batches) || b.Status.Terminal() {
		return
	}
	runAt := p.d.now().Add(time.Duration(b.InterBatchDelayMs) * time.Millisecond)
	if err := p.enqueueBatch(ctx, b, next, runAt); err != nil {
		p.logger.Error("could not chain batch after failure", "bulk_job_id", b.ID, "batch", next+1, "error", err)
		for _, ids := range batches[next:] {
			p.failAll(ctx, ids, "bulk job could not continue: "+err.Error())
		}
	}
}

func (p *BulkProcessor) failAll(ctx context.Context, ids []string, reason string) int {
	n := 0
	for _, id := range ids {
		if p.d.failMessage(ctx, id, reason) {
			n++
		}
	}
	return n
}

// Get returns one of the tenant's bulk jobs.
func (p *BulkProcessor) Get(ctx context.Context, tenantID, id string) (model.BulkJob, error) {
	b, err := p.d.deps.BulkJobs.Get(ctx, id)
	if err != nil {
		return model.BulkJob{}, err
	}
	if b.TenantID != tenantID {
		return model.BulkJob{}, apperr.NotFound("bulk job", id)
	}
	return b, nil
}

// Cancel stops a bulk job. Batches not yet started are dropped and every
// message that has not reached a provider becomes cancelled. Messages in
// flight finish normally.
func (p *BulkProcessor) Cancel(ctx context.Context, tenantID, id string) (model.BulkJob, error) {
	b, err := p.Get(ctx, tenantID, id)
	if err != nil {
		return model.BulkJob{}, err
	}
	if b.Status.Terminal() {
		return b, apperr.Conflict("bulk job %q is already %s", id, b.Status)
	}
	if _, err := p.d.deps.BulkJobs.SetStatus(ctx, id, model.BulkCancelled, "cancelled"); err != nil {
		return model.BulkJob{}, err
	}

	for i := range b.Batches() {
		_, _ = p.d.deps.BulkQueue.Cancel(ctx, batchJobID(id, i))
	}

	msgs, err := p.d.deps.Messages.ListByBulk(ctx, id)
	if err != nil {
		return model.BulkJob{}, err
	}
	cancelled := 0
	for _, m := range msgs {
		if m.Status != model.Pending && m.Status != model.Queued {
			continue
		}
		res, err := p.d.ledger.transition(ctx, m.ID, model.Transition{To: model.Cancelled, At: p.d.now()})
		if err != nil {
			return model.BulkJob{}, err
		}
		if res.Changed {
			cancelled++
		}
	}

	p.logger.Info("bulk job cancelled", "tenant_id", tenantID, "bulk_job_id", id, "messages_cancelled", cancelled)
	return p.d.deps.BulkJobs.Get(ctx, id)
}
