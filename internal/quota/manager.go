// Package quota accounts daily and monthly message volume per tenant.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/repo"
)

// Snapshot is the tenant's usage against its limits. Remaining values are -1
// for unlimited quotas.
type Snapshot struct {
	TenantID         string     `json:"tenantId"`
	Plan             model.Plan `json:"plan"`
	DailyLimit       int        `json:"dailyLimit"`
	MonthlyLimit     int        `json:"monthlyLimit"`
	DailyCount       int        `json:"dailyCount"`
	MonthlyCount     int        `json:"monthlyCount"`
	DailyRemaining   int        `json:"dailyRemaining"`
	MonthlyRemaining int        `json:"monthlyRemaining"`
	RateLimit        int        `json:"rateLimit"`
	BulkSizeLimit    int        `json:"bulkSizeLimit"`
	LastDailyReset   time.Time  `json:"lastDailyReset"`
	LastMonthlyReset time.Time  `json:"lastMonthlyReset"`
}

func SnapshotOf(t model.Tenant) Snapshot {
	return Snapshot{
		TenantID:         t.ID,
		Plan:             t.Plan,
		DailyLimit:       t.Quotas.DailyLimit,
		MonthlyLimit:     t.Quotas.MonthlyLimit,
		DailyCount:       t.Usage.DailyCount,
		MonthlyCount:     t.Usage.MonthlyCount,
		DailyRemaining:   remaining(t.Quotas.DailyLimit, t.Usage.DailyCount),
		MonthlyRemaining: remaining(t.Quotas.MonthlyLimit, t.Usage.MonthlyCount),
		RateLimit:        t.Quotas.RateLimit,
		BulkSizeLimit:    t.Quotas.BulkSizeLimit,
		LastDailyReset:   t.Usage.LastDailyReset,
		LastMonthlyReset: t.Usage.LastMonthlyReset,
	}
}

func remaining(limit, count int) int {
	if limit == model.Unlimited {
		return model.Unlimited
	}
	return max(0, limit-count)
}

type Result struct {
	Success bool
	// Scope is the exhausted limit when Success is false.
	Scope model.QuotaScope
	Quota Snapshot
}

type Manager struct {
	tenants repo.TenantRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(tenants repo.TenantRepository) *Manager {
	return &Manager{
		tenants: tenants,
		logger:  slog.Default().With("component", "quota"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CheckAndUpdateUsage admits count messages for the tenant, or reports which
// quota they would exceed. The check and the increment are one store
// operation, so concurrent callers cannot over-admit.
func (m *Manager) CheckAndUpdateUsage(ctx context.Context, tenantID string, count int) (Result, error) {
	if count <= 0 {
		return Result{}, apperr.Validation("message count must be positive, got %d", count)
	}

	t, scope, err := m.tenants.IncrementUsage(ctx, tenantID, count)
	if err != nil {
		return Result{}, err
	}
	res := Result{Success: scope == "", Scope: scope, Quota: SnapshotOf(t)}
	if !res.Success {
		m.logger.Info("quota exhausted",
			"tenant_id", tenantID,
			"scope", string(scope),
			"requested", count,
			"daily_count", t.Usage.DailyCount,
			"monthly_count", t.Usage.MonthlyCount,
		)
	}
	return res, nil
}

func (m *Manager) ResetUsage(ctx context.Context, tenantID string, r model.ResetType) (Snapshot, error) {
	if !r.Valid() {
		return Snapshot{}, apperr.Validation("reset type must be daily, monthly or both, got %q", r)
	}
	t, err := m.tenants.ResetUsage(ctx, tenantID, r, m.now())
	if err != nil {
		return Snapshot{}, err
	}
	m.logger.Info("quota reset", "tenant_id", tenantID, "type", string(r))
	return SnapshotOf(t), nil
}

// ResetAll resets every tenant and returns how many were touched.
func (m *Manager) ResetAll(ctx context.Context, r model.ResetType) (int, error) {
	if !r.Valid() {
		return 0, apperr.Validation("reset type must be daily, monthly or both, got %q", r)
	}
	n, err := m.tenants.ResetAllUsage(ctx, r, m.now())
	if err != nil {
		return 0, err
	}
	m.logger.Info("quota reset for all tenants", "type", string(r), "tenants", n)
	return n, nil
}

// GetUsage is a display read. It never gates admission.
func (m *Manager) GetUsage(ctx context.Context, tenantID string) (Snapshot, error) {
	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(t), nil
}
