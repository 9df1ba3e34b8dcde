package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

type PostgresTenantRepo struct {
	db *sql.DB
}

func NewPostgresTenantRepo(db *sql.DB) *PostgresTenantRepo {
	return &PostgresTenantRepo{db: db}
}

const tenantColumns = `id, name, plan, daily_limit, monthly_limit, rate_limit, bulk_size_limit,
	provider_options, daily_count, monthly_count, last_daily_reset, last_monthly_reset,
	created_at, updated_at`

func scanTenant(row rowScanner) (model.Tenant, error) {
	var t model.Tenant
	var plan string
	var options []byte
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&plan,
		&t.Quotas.DailyLimit,
		&t.Quotas.MonthlyLimit,
		&t.Quotas.RateLimit,
		&t.Quotas.BulkSizeLimit,
		&options,
		&t.Usage.DailyCount,
		&t.Usage.MonthlyCount,
		&t.Usage.LastDailyReset,
		&t.Usage.LastMonthlyReset,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return model.Tenant{}, err
	}
	t.Plan = model.Plan(plan)
	if err := json.Unmarshal(options, &t.Quotas.ProviderOptions); err != nil {
		return model.Tenant{}, fmt.Errorf("tenant %s provider_options: %w", t.ID, err)
	}
	return t, nil
}

func (r *PostgresTenantRepo) Get(ctx context.Context, id string) (model.Tenant, error) {
	t, err := scanTenant(r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tenant{}, apperr.TenantNotFound(id)
	}
	return t, err
}

func (r *PostgresTenantRepo) List(ctx context.Context) ([]model.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresTenantRepo) Upsert(ctx context.Context, t model.Tenant) error {
	options, err := jsonStrings(t.Quotas.ProviderOptions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, plan, daily_limit, monthly_limit, rate_limit, bulk_size_limit, provider_options)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    plan = EXCLUDED.plan,
		    daily_limit = EXCLUDED.daily_limit,
		    monthly_limit = EXCLUDED.monthly_limit,
		    rate_limit = EXCLUDED.rate_limit,
		    bulk_size_limit = EXCLUDED.bulk_size_limit,
		    provider_options = EXCLUDED.provider_options,
		    updated_at = now()
	`, t.ID, t.Name, string(t.Plan), t.Quotas.DailyLimit, t.Quotas.MonthlyLimit,
		t.Quotas.RateLimit, t.Quotas.BulkSizeLimit, options)
	return err
}

// IncrementUsage relies on a guarded UPDATE: the row lock taken by UPDATE
// serialises concurrent callers and the WHERE clause is the ceiling check.
func (r *PostgresTenantRepo) IncrementUsage(ctx context.Context, id string, count int) (model.Tenant, model.QuotaScope, error) {
	t, err := scanTenant(r.db.QueryRowContext(ctx, `
		UPDATE tenants
		SET daily_count = daily_count + $2,
		    monthly_count = monthly_count + $2,
		    updated_at = now()
		WHERE id = $1
		  AND (daily_limit = -1 OR daily_count + $2 <= daily_limit)
		  AND (monthly_limit = -1 OR monthly_count + $2 <= monthly_limit)
		RETURNING `+tenantColumns, id, count))
	if err == nil {
		return t, "", nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Tenant{}, "", err
	}

	// rejected or unknown; read the snapshot to tell which
	t, err = r.Get(ctx, id)
	if err != nil {
		return model.Tenant{}, "", err
	}
	scope := t.Usage.Exceeds(t.Quotas, count)
	if scope == "" {
		// a reset landed between the two statements; report daily to stay conservative
		scope = model.ScopeDaily
	}
	return t, scope, nil
}

func (r *PostgresTenantRepo) ResetUsage(ctx context.Context, id string, rt model.ResetType, at time.Time) (model.Tenant, error) {
	t, err := scanTenant(r.db.QueryRowContext(ctx, `
		UPDATE tenants
		SET daily_count        = CASE WHEN $2 THEN 0 ELSE daily_count END,
		    last_daily_reset   = CASE WHEN $2 THEN $4 ELSE last_daily_reset END,
		    monthly_count      = CASE WHEN $3 THEN 0 ELSE monthly_count END,
		    last_monthly_reset = CASE WHEN $3 THEN $4 ELSE last_monthly_reset END,
		    updated_at = $4
		WHERE id = $1
		RETURNING `+tenantColumns, id, resetsDaily(rt), resetsMonthly(rt), at))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tenant{}, apperr.TenantNotFound(id)
	}
	return t, err
}

func (r *PostgresTenantRepo) ResetAllUsage(ctx context.Context, rt model.ResetType, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants
		SET daily_count        = CASE WHEN $1 THEN 0 ELSE daily_count END,
		    last_daily_reset   = CASE WHEN $1 THEN $3 ELSE last_daily_reset END,
		    monthly_count      = CASE WHEN $2 THEN 0 ELSE monthly_count END,
		    last_monthly_reset = CASE WHEN $2 THEN $3 ELSE last_monthly_reset END,
		    updated_at = $3
	`, resetsDaily(rt), resetsMonthly(rt), at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func resetsDaily(rt model.ResetType) bool   { return rt == model.ResetDaily || rt == model.ResetBoth }
func resetsMonthly(rt model.ResetType) bool { return rt == model.ResetMonthly || rt == model.ResetBoth }
