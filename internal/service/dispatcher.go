// Package service runs the send path: admission (rate limit, provider
// policy, quota), queueing, delivery through provider adapters and the
// read side for job and message status.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/cache"
	"github.com/LeventeLantos/sms-dispatch/internal/metrics"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/provider"
	"github.com/LeventeLantos/sms-dispatch/internal/queue"
	"github.com/LeventeLantos/sms-dispatch/internal/quota"
	"github.com/LeventeLantos/sms-dispatch/internal/ratelimit"
	"github.com/LeventeLantos/sms-dispatch/internal/repo"
)

const (
	QueueSMS  = "sms"
	QueueBulk = "sms-bulk"

	JobSend  = "send-sms"
	JobBatch = "send-batch"
)

type Deps struct {
	Tenants   repo.TenantRepository
	Messages  repo.MessageRepository
	BulkJobs  repo.BulkJobRepository
	Quota     *quota.Manager
	Limiter   ratelimit.Limiter
	Providers *provider.Registry
	// Cache may be nil.
	Cache     cache.MessageCache
	SMSQueue  *queue.Queue
	BulkQueue *queue.Queue
}

type sendPayload struct {
	MessageID string `json:"messageId"`
	TenantID  string `json:"tenantId"`
}

type SendResult struct {
	JobID     string `json:"jobId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	// EstimatedProcessingTime is in milliseconds.
	EstimatedProcessingTime int64 `json:"estimatedProcessingTime"`
}

// DeliveryResult is stored as the queue job result of a send job.
type DeliveryResult struct {
	MessageID         string       `json:"messageId"`
	Status            model.Status `json:"status"`
	ProviderMessageID string       `json:"providerMessageId,omitempty"`
	Skipped           bool         `json:"skipped,omitempty"`
}

type Dispatcher struct {
	deps     Deps
	ledger   ledger
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	logger := slog.Default().With("component", "dispatcher")
	return &Dispatcher{
		deps:     deps,
		ledger:   ledger{messages: deps.Messages, bulk: deps.BulkJobs, logger: logger},
		validate: newValidator(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// admit runs the admission chain shared by single and bulk sends: rate
// limit, provider policy, then the atomic quota increment. It returns the
// resolved provider name.
func (d *Dispatcher) admit(ctx context.Context, t model.Tenant, requested string, count int) (string, error) {
	dec, err := d.deps.Limiter.Allow(ctx, "tenant:"+t.ID, t.Quotas.RateLimit)
	switch {
	case err != nil:
		// the limiter protects providers, not correctness; keep sending
		d.logger.Error("rate limiter unavailable, admitting request", "tenant_id", t.ID, "error", err)
	case !dec.Allowed:
		metrics.Rejections.WithLabelValues("rate_limit").Inc()
		return "", apperr.RateLimited(dec.RetryAfter, dec.Limit)
	}

	name := d.deps.Providers.Resolve(requested)
	if !t.Quotas.AllowsProvider(name) {
		metrics.Rejections.WithLabelValues("provider_not_allowed").Inc()
		return "", apperr.ProviderNotAllowed(name)
	}
	if _, err := d.deps.Providers.Get(name); err != nil {
		return "", err
	}

	res, err := d.deps.Quota.CheckAndUpdateUsage(ctx, t.ID, count)
	if err != nil {
		return "", err
	}
	if !res.Success {
		metrics.Rejections.WithLabelValues("quota_" + string(res.Scope)).Inc()
		return "", apperr.QuotaExceeded(string(res.Scope), res.Quota)
	}
	return name, nil
}

// Send admits and queues one message for the tenant.
func (d *Dispatcher) Send(ctx context.Context, tenantID string, req SendRequest) (SendResult, error) {
	if err := d.validate.Struct(req); err != nil {
		return SendResult{}, validationError(err)
	}
	now := d.now()
	if err := checkSchedule(req.ScheduledAt, now); err != nil {
		return SendResult{}, err
	}
	prio, err := model.ParsePriority(req.Priority)
	if err != nil {
		return SendResult{}, apperr.Validation("%v", err)
	}

	t, err := d.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return SendResult{}, err
	}
	providerName, err := d.admit(ctx, t, req.Provider, 1)
	if err != nil {
		return SendResult{}, err
	}

	msg := model.Message{
		ID:          uuid.NewString(),
		TenantID:    t.ID,
		To:          req.To,
		From:        req.From,
		Body:        req.Body,
		Provider:    providerName,
		Priority:    prio,
		Status:      model.Pending,
		ScheduledAt: req.ScheduledAt,
		MaxAttempts: d.deps.SMSQueue.MaxAttempts(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.deps.Messages.Create(ctx, msg); err != nil {
		return SendResult{}, fmt.Errorf("store message: %w", err)
	}

	var runAt time.Time
	if req.ScheduledAt != nil {
		runAt = *req.ScheduledAt
	}
	jobID, err := d.deps.SMSQueue.Enqueue(ctx, JobSend, sendPayload{MessageID: msg.ID, TenantID: t.ID}, queue.Options{
		Priority:    prio.Weight(),
		RunAt:       runAt,
		MaxAttempts: msg.MaxAttempts,
	})
	if err != nil {
		_, _ = d.ledger.transition(ctx, msg.ID, model.Transition{To: model.Failed, LastError: "could not be queued", At: now})
		return SendResult{}, err
	}
	if err := d.deps.Messages.SetJobID(ctx, msg.ID, jobID); err != nil {
		d.logger.Warn("could not link job to message", "message_id", msg.ID, "job_id", jobID, "error", err)
	}
	// a fast worker may already have moved the message on; that is fine
	_, _ = d.ledger.transition(ctx, msg.ID, model.Transition{To: model.Queued, At: now})

	est, err := d.deps.SMSQueue.Estimate(ctx, prio.Weight(), runAt)
	if err != nil {
		d.logger.Warn("estimate failed", "job_id", jobID, "error", err)
	}

	d.logger.Info("message queued",
		"tenant_id", t.ID,
		"message_id", msg.ID,
		"job_id", jobID,
		"provider", providerName,
		"priority", string(prio),
	)
	return SendResult{
		JobID:                   jobID,
		MessageID:               msg.ID,
		Status:                  string(model.Queued),
		EstimatedProcessingTime: est.Milliseconds(),
	}, nil
}

// HandleSend is the worker handler for the sms queue.
func (d *Dispatcher) HandleSend(ctx context.Context, job queue.Job) (any, error) {
	var p sendPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	res, err := d.deliver(ctx, p.MessageID, job.FinalAttempt())
	if err != nil {
		return nil, err
	}
	return res, nil
}

// deliver sends one message through its provider. It is safe to run twice
// for the same message: anything already handed to a provider is skipped.
// Transient failures put the message back to queued and are returned for
// the queue to retry, unless final is set.
func (d *Dispatcher) deliver(ctx context.Context, messageID string, final bool) (DeliveryResult, error) {
	msg, err := d.deps.Messages.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return DeliveryResult{}, queue.Permanent(err)
		}
		return DeliveryResult{}, err
	}

	skipped := DeliveryResult{MessageID: msg.ID, Status: msg.Status, ProviderMessageID: msg.ProviderMessageID, Skipped: true}
	switch {
	case msg.Status.Terminal(), msg.Status == model.Sent:
		return skipped, nil
	case msg.Status == model.Sending:
		// the previous worker lost its lease mid-call
		if _, err := d.ledger.transition(ctx, msg.ID, model.Transition{To: model.Queued, LastError: "worker lease expired"}); err != nil {
			return DeliveryResult{}, err
		}
	}

	res, err := d.ledger.transition(ctx, msg.ID, model.Transition{To: model.Sending, IncrementAttempts: true, At: d.now()})
	if err != nil {
		return DeliveryResult{}, err
	}
	if !res.Changed {
		skipped.Status = res.Message.Status
		return skipped, nil
	}
	msg = res.Message

	adapter, err := d.deps.Providers.Get(msg.Provider)
	if err != nil {
		_, _ = d.ledger.transition(ctx, msg.ID, model.Transition{To: model.Failed, LastError: err.Error(), At: d.now()})
		return DeliveryResult{}, queue.Permanent(err)
	}

	sent, sendErr := adapter.Send(ctx, msg)
	if sendErr != nil {
		return DeliveryResult{}, d.recordFailure(ctx, msg, sendErr, final)
	}

	at := sent.SentAt
	if at.IsZero() {
		at = d.now()
	}
	res, err = d.ledger.transition(ctx, msg.ID, model.Transition{
		To:                model.Sent,
		ProviderMessageID: sent.ProviderMessageID,
		At:                at,
	})
	if err != nil {
		// the provider has the message; retrying would send it twice
		return DeliveryResult{}, queue.Permanent(fmt.Errorf("record sent message: %w", err))
	}
	if sent.ProviderMessageID != "" {
		entry := cache.SentEntry{MessageID: msg.ID, TenantID: msg.TenantID, SentAt: at}
		if err := d.deps.Cache.StoreSent(ctx, msg.Provider, sent.ProviderMessageID, entry); err != nil {
			d.logger.Warn("provider id cache write failed", "message_id", msg.ID, "error", err)
		}
	}

	d.logger.Debug("message sent",
		"message_id", msg.ID,
		"provider", msg.Provider,
		"provider_message_id", sent.ProviderMessageID,
		"attempt", msg.Attempts,
	)
	return DeliveryResult{MessageID: msg.ID, Status: res.Message.Status, ProviderMessageID: sent.ProviderMessageID}, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, msg model.Message, sendErr error, final bool) error {
	permanent := provider.IsPermanent(sendErr)
	t := model.Transition{
		To:        model.Queued,
		LastError: sendErr.Error(),
		ErrorCode: provider.ErrorCode(sendErr),
		At:        d.now(),
	}
	if permanent || final || msg.Attempts >= msg.MaxAttempts {
		t.To = model.Failed
	}
	if _, err := d.ledger.transition(ctx, msg.ID, t); err != nil {
		d.logger.Error("could not record send failure", "message_id", msg.ID, "error", err)
	}

	d.logger.Warn("message send failed",
		"message_id", msg.ID,
		"provider", msg.Provider,
		"attempt", msg.Attempts,
		"permanent", permanent,
		"status", string(t.To),
		"error", sendErr,
	)
	if t.To == model.Failed {
		return queue.Permanent(sendErr)
	}
	return sendErr
}

// sendFailed reconciles the message of a send job the queue gave up on.
// Failures the handler recorded itself are already terminal; this catches
// panics, expired leases and store errors that left the message behind.
func (d *Dispatcher) sendFailed(ctx context.Context, job queue.Job) {
	var p sendPayload
	if err := job.Decode(&p); err != nil {
		d.logger.Error("failed send job has no readable payload", "job_id", job.ID, "error", err)
		return
	}
	if d.failMessage(ctx, p.MessageID, job.LastError) {
		d.logger.Warn("message failed with its job", "message_id", p.MessageID, "job_id", job.ID, "error", job.LastError)
	}
}

// failMessage moves a message that never reached a provider to failed. Sent
// and terminal messages are left alone. It reports whether the message changed.
func (d *Dispatcher) failMessage(ctx context.Context, id, reason string) bool {
	msg, err := d.deps.Messages.Get(ctx, id)
	if err != nil {
		d.logger.Error("could not load message to fail it", "message_id", id, "error", err)
		return false
	}
	if msg.Status.Terminal() || msg.Status == model.Sent {
		return false
	}
	if reason == "" {
		reason = "job failed"
	}
	res, err := d.ledger.transition(ctx, id, model.Transition{To: model.Failed, LastError: reason, At: d.now()})
	if err != nil {
		d.logger.Error("could not fail message", "message_id", id, "error", err)
		return false
	}
	return res.Changed
}

// Message returns one of the tenant's messages.
func (d *Dispatcher) Message(ctx context.Context, tenantID, id string) (model.Message, error) {
	m, err := d.deps.Messages.Get(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if m.TenantID != tenantID {
		return model.Message{}, apperr.NotFound("message", id)
	}
	return m, nil
}

// ListMessages returns the tenant's messages, newest first, optionally
// filtered by status.
func (d *Dispatcher) ListMessages(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.Message, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown status %q", status)
	}
	return d.deps.Messages.ListByTenant(ctx, tenantID, status, limit, offset)
}

func (d *Dispatcher) Quota(ctx context.Context, tenantID string) (quota.Snapshot, error) {
	return d.deps.Quota.GetUsage(ctx, tenantID)
}

type TenantProviders struct {
	DefaultProvider string                            `json:"defaultProvider"`
	Providers       map[string]provider.ProviderStats `json:"providers"`
}

// Providers lists the providers the tenant may use with their health.
func (d *Dispatcher) Providers(ctx context.Context, tenantID string) (TenantProviders, error) {
	t, err := d.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return TenantProviders{}, err
	}
	stats := d.deps.Providers.ListStats()
	out := TenantProviders{
		DefaultProvider: stats.DefaultProvider,
		Providers:       make(map[string]provider.ProviderStats, len(t.Quotas.ProviderOptions)),
	}
	for _, name := range t.Quotas.ProviderOptions {
		out.Providers[name] = stats.Providers[name]
	}
	return out, nil
}

// ledger applies message transitions and keeps the parent bulk job's
// statistics in step. Statistics move only when the message status actually
// changed, so replays never double count.
type ledger struct {
	messages repo.MessageRepository
	bulk     repo.BulkJobRepository
	logger   *slog.Logger
}

func (l ledger) transition(ctx context.Context, id string, t model.Transition) (repo.TransitionResult, error) {
	res, err := l.messages.Transition(ctx, id, t)
	if err != nil || !res.Changed || res.Message.BulkJobID == "" {
		return res, err
	}
	delta := model.DeltaFor(res.From, res.Message.Status)
	if delta.IsZero() {
		return res, nil
	}
	b, err := l.bulk.AddStats(ctx, res.Message.BulkJobID, delta)
	if err != nil {
		return res, fmt.Errorf("update bulk statistics: %w", err)
	}
	if b.Status == model.BulkCompleted && b.CompletedAt != nil && b.CompletedAt.Equal(b.UpdatedAt) {
		l.logger.Info("bulk job completed",
			"bulk_job_id", b.ID,
			"total", b.Statistics.Total,
			"sent", b.Statistics.Sent,
			"failed", b.Statistics.Failed,
			"cancelled", b.Statistics.Cancelled,
		)
	}
	return res, nil
}
