package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/provider"
	"github.com/LeventeLantos/sms-dispatch/internal/queue"
	"github.com/LeventeLantos/sms-dispatch/internal/quota"
)

// Engine wires the dispatcher, bulk processor, tracker and webhook
// normalizer over one set of dependencies and owns the queue workers.
type Engine struct {
	deps     Deps
	dispatch *Dispatcher
	bulk     *BulkProcessor
	tracker  *Tracker
	webhooks *Normalizer
	logger   *slog.Logger
}

func NewEngine(deps Deps, bulk BulkConfig) *Engine {
	d := NewDispatcher(deps)
	e := &Engine{
		deps:     d.deps,
		dispatch: d,
		bulk:     NewBulkProcessor(d, bulk),
		tracker:  NewTracker(deps.SMSQueue, deps.BulkQueue),
		webhooks: NewNormalizer(d.deps),
		logger:   slog.Default().With("component", "engine"),
	}
	deps.SMSQueue.OnFailed(e.dispatch.sendFailed)
	deps.BulkQueue.OnFailed(e.bulk.batchFailed)
	return e
}

// Start launches the workers of both queues.
func (e *Engine) Start(ctx context.Context) {
	e.deps.SMSQueue.Start(ctx, e.dispatch.HandleSend)
	e.deps.BulkQueue.Start(ctx, e.bulk.HandleBatch)
}

// Stop waits for in-flight jobs of both queues, or for ctx.
func (e *Engine) Stop(ctx context.Context) {
	e.deps.BulkQueue.Stop(ctx)
	e.deps.SMSQueue.Stop(ctx)
}

func (e *Engine) Send(ctx context.Context, tenantID string, req SendRequest) (SendResult, error) {
	return e.dispatch.Send(ctx, tenantID, req)
}

func (e *Engine) SubmitBulk(ctx context.Context, tenantID string, req BulkRequest) (BulkResult, error) {
	return e.bulk.Submit(ctx, tenantID, req)
}

func (e *Engine) BulkJob(ctx context.Context, tenantID, id string) (model.BulkJob, error) {
	return e.bulk.Get(ctx, tenantID, id)
}

func (e *Engine) CancelBulk(ctx context.Context, tenantID, id string) (model.BulkJob, error) {
	return e.bulk.Cancel(ctx, tenantID, id)
}

func (e *Engine) JobStatus(ctx context.Context, tenantID, queueName, id string) (JobStatus, error) {
	return e.tracker.GetStatus(ctx, tenantID, queueName, id)
}

// CancelJob cancels a job no worker has picked up yet. Cancelling a send job
// cancels its message; cancelling a batch job cancels the whole bulk job.
func (e *Engine) CancelJob(ctx context.Context, tenantID, queueName, id string) (JobStatus, error) {
	q, j, err := e.tracker.job(ctx, tenantID, queueName, id)
	if err != nil {
		return JobStatus{}, err
	}

	if q.Name() == QueueBulk {
		var p batchPayload
		if err := j.Decode(&p); err != nil {
			return JobStatus{}, err
		}
		if _, err := e.bulk.Cancel(ctx, tenantID, p.BulkJobID); err != nil {
			return JobStatus{}, err
		}
		return e.tracker.GetStatus(ctx, tenantID, q.Name(), id)
	}

	j, err = q.Cancel(ctx, id)
	switch {
	case errors.Is(err, queue.ErrNotCancelable):
		return statusOf(j), apperr.Conflict("job %q is %s and can no longer be cancelled", id, j.State)
	case errors.Is(err, queue.ErrJobNotFound):
		return JobStatus{}, apperr.JobNotFound(q.Name(), id)
	case err != nil:
		return JobStatus{}, err
	}

	var p sendPayload
	if err := j.Decode(&p); err != nil {
		return JobStatus{}, err
	}
	if _, err := e.dispatch.ledger.transition(ctx, p.MessageID, model.Transition{To: model.Cancelled, At: e.dispatch.now()}); err != nil {
		e.logger.Warn("job cancelled but message not updated", "job_id", id, "message_id", p.MessageID, "error", err)
	}
	e.logger.Info("job cancelled", "tenant_id", tenantID, "queue", q.Name(), "job_id", id)
	return statusOf(j), nil
}

func (e *Engine) Message(ctx context.Context, tenantID, id string) (model.Message, error) {
	return e.dispatch.Message(ctx, tenantID, id)
}

func (e *Engine) ListMessages(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.Message, error) {
	return e.dispatch.ListMessages(ctx, tenantID, status, limit, offset)
}

func (e *Engine) Quota(ctx context.Context, tenantID string) (quota.Snapshot, error) {
	return e.dispatch.Quota(ctx, tenantID)
}

func (e *Engine) Providers(ctx context.Context, tenantID string) (TenantProviders, error) {
	return e.dispatch.Providers(ctx, tenantID)
}

func (e *Engine) Webhook(ctx context.Context, providerName string, payload provider.WebhookPayload) (WebhookResult, error) {
	return e.webhooks.Handle(ctx, providerName, payload)
}
