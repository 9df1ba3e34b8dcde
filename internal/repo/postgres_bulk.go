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

type PostgresBulkJobRepo struct {
	db *sql.DB
}

func NewPostgresBulkJobRepo(db *sql.DB) *PostgresBulkJobRepo {
	return &PostgresBulkJobRepo{db: db}
}

const bulkColumns = `id, tenant_id, provider, priority, batch_size, inter_batch_delay_ms, message_ids,
	status, total, sent, delivered, failed, cancelled, scheduled_at, error, created_at, updated_at,
	completed_at`

func scanBulk(row rowScanner) (model.BulkJob, error) {
	var b model.BulkJob
	var priority, status string
	var ids []byte
	var errMsg sql.NullString
	var scheduledAt, completedAt sql.NullTime

	if err := row.Scan(
		&b.ID,
		&b.TenantID,
		&b.Provider,
		&priority,
		&b.BatchSize,
		&b.InterBatchDelayMs,
		&ids,
		&status,
		&b.Statistics.Total,
		&b.Statistics.Sent,
		&b.Statistics.Delivered,
		&b.Statistics.Failed,
		&b.Statistics.Cancelled,
		&scheduledAt,
		&errMsg,
		&b.CreatedAt,
		&b.UpdatedAt,
		&completedAt,
	); err != nil {
		return model.BulkJob{}, err
	}
	if err := json.Unmarshal(ids, &b.MessageIDs); err != nil {
		return model.BulkJob{}, fmt.Errorf("bulk job %s message_ids: %w", b.ID, err)
	}
	b.Priority = model.Priority(priority)
	b.Status = model.BulkStatus(status)
	b.Error = errMsg.String
	b.ScheduledAt = timePtr(scheduledAt)
	b.CompletedAt = timePtr(completedAt)
	return b, nil
}

func (r *PostgresBulkJobRepo) Create(ctx context.Context, b model.BulkJob) error {
	ids, err := jsonStrings(b.MessageIDs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO bulk_jobs (id, tenant_id, provider, priority, batch_size, inter_batch_delay_ms,
		                       message_ids, status, total, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, b.ID, b.TenantID, b.Provider, string(b.Priority), b.BatchSize, b.InterBatchDelayMs,
		ids, string(b.Status), b.Statistics.Total, nullTime(b.ScheduledAt), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r *PostgresBulkJobRepo) Get(ctx context.Context, id string) (model.BulkJob, error) {
	b, err := scanBulk(r.db.QueryRowContext(ctx, `SELECT `+bulkColumns+` FROM bulk_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.BulkJob{}, apperr.NotFound("bulk job", id)
	}
	return b, err
}

func (r *PostgresBulkJobRepo) AddStats(ctx context.Context, id string, d model.StatsDelta) (model.BulkJob, error) {
	return r.update(ctx, id, func(b *model.BulkJob, now time.Time) {
		b.Statistics = b.Statistics.Add(d)
		settle(b, now)
	})
}

func (r *PostgresBulkJobRepo) SetStatus(ctx context.Context, id string, s model.BulkStatus, errMsg string) (model.BulkJob, error) {
	return r.update(ctx, id, func(b *model.BulkJob, now time.Time) {
		if b.Status.Terminal() {
			return
		}
		b.Status = s
		if errMsg != "" {
			b.Error = errMsg
		}
		if s.Terminal() {
			b.CompletedAt = &now
		}
		settle(b, now)
	})
}

func (r *PostgresBulkJobRepo) update(ctx context.Context, id string, fn func(*model.BulkJob, time.Time)) (model.BulkJob, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return model.BulkJob{}, err
	}
	defer func() { _ = tx.Rollback() }()

	b, err := scanBulk(tx.QueryRowContext(ctx, `SELECT `+bulkColumns+` FROM bulk_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.BulkJob{}, apperr.NotFound("bulk job", id)
	}
	if err != nil {
		return model.BulkJob{}, err
	}

	now := time.Now().UTC()
	fn(&b, now)
	b.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET status = $2, sent = $3, delivered = $4, failed = $5, cancelled = $6,
		    error = $7, completed_at = $8, updated_at = $9
		WHERE id = $1
	`, b.ID, string(b.Status), b.Statistics.Sent, b.Statistics.Delivered, b.Statistics.Failed,
		b.Statistics.Cancelled, nullString(b.Error), nullTime(b.CompletedAt), b.UpdatedAt); err != nil {
		return model.BulkJob{}, err
	}
	return b, tx.Commit()
}
