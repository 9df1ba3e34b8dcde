// Package repo stores tenants, messages and bulk jobs. Every repository has an
// in-memory implementation for single-process runs and tests, and a Postgres
// implementation for durable deployments.
package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

type TenantRepository interface {
	Get(ctx context.Context, id string) (model.Tenant, error)
	List(ctx context.Context) ([]model.Tenant, error)
	Upsert(ctx context.Context, t model.Tenant) error

	// IncrementUsage adds count to the daily and monthly counters in one
	// indivisible step, but only when neither limit would be exceeded.
	// A non-empty scope reports the limit that rejected the increment; the
	// returned tenant is the snapshot the decision was made on.
	IncrementUsage(ctx context.Context, id string, count int) (model.Tenant, model.QuotaScope, error)
	ResetUsage(ctx context.Context, id string, r model.ResetType, at time.Time) (model.Tenant, error)
	ResetAllUsage(ctx context.Context, r model.ResetType, at time.Time) (int, error)
}

// TransitionResult reports the outcome of a status change request.
type TransitionResult struct {
	Message model.Message
	From    model.Status
	Changed bool
}

type MessageRepository interface {
	Create(ctx context.Context, msgs ...model.Message) error
	Get(ctx context.Context, id string) (model.Message, error)
	FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (model.Message, error)
	ListByBulk(ctx context.Context, bulkJobID string) ([]model.Message, error)
	ListByTenant(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.Message, error)
	SetJobID(ctx context.Context, id, jobID string) error

	// Transition applies t under the row lock. Disallowed transitions are
	// not errors; they come back with Changed false.
	Transition(ctx context.Context, id string, t model.Transition) (TransitionResult, error)
}

type BulkJobRepository interface {
	Create(ctx context.Context, b model.BulkJob) error
	Get(ctx context.Context, id string) (model.BulkJob, error)

	// AddStats applies d and completes a processing job once every message
	// has settled.
	AddStats(ctx context.Context, id string, d model.StatsDelta) (model.BulkJob, error)
	SetStatus(ctx context.Context, id string, s model.BulkStatus, errMsg string) (model.BulkJob, error)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// settle moves a processing bulk job to completed once all messages settled.
func settle(b *model.BulkJob, at time.Time) {
	if b.Status != model.BulkProcessing || b.Statistics.Settled() < b.Statistics.Total {
		return
	}
	b.Status = model.BulkCompleted
	b.CompletedAt = &at
}
