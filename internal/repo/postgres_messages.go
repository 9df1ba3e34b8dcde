package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `id, tenant_id, bulk_job_id, job_id, recipient_phone, sender, content,
	provider, provider_message_id, priority, status, scheduled_at, attempt_count, max_attempts,
	last_error, error_code, created_at, updated_at, sent_at, delivered_at`

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var priority, status string
	var bulkID, jobID, sender, providerID, lastErr, errCode sql.NullString
	var scheduledAt, sentAt, deliveredAt sql.NullTime

	if err := row.Scan(
		&m.ID,
		&m.TenantID,
		&bulkID,
		&jobID,
		&m.To,
		&sender,
		&m.Body,
		&m.Provider,
		&providerID,
		&priority,
		&status,
		&scheduledAt,
		&m.Attempts,
		&m.MaxAttempts,
		&lastErr,
		&errCode,
		&m.CreatedAt,
		&m.UpdatedAt,
		&sentAt,
		&deliveredAt,
	); err != nil {
		return model.Message{}, err
	}

	m.Priority = model.Priority(priority)
	m.Status = model.Status(status)
	m.BulkJobID = bulkID.String
	m.JobID = jobID.String
	m.From = sender.String
	m.ProviderMessageID = providerID.String
	m.LastError = lastErr.String
	m.ErrorCode = errCode.String
	m.ScheduledAt = timePtr(scheduledAt)
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	return m, nil
}

func (r *PostgresMessageRepo) Create(ctx context.Context, msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, tenant_id, bulk_job_id, bulk_seq, recipient_phone, sender, content,
		                      provider, priority, status, scheduled_at, attempt_count, max_attempts,
		                      created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.TenantID, nullString(m.BulkJobID), i, m.To, nullString(m.From), m.Body,
			m.Provider, string(m.Priority), string(m.Status), nullTime(m.ScheduledAt),
			m.Attempts, m.MaxAttempts, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (model.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, apperr.NotFound("message", id)
	}
	return m, err
}

func (r *PostgresMessageRepo) FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (model.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE provider = $1 AND provider_message_id = $2
	`, provider, providerMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, apperr.NotFound("provider message", providerMessageID)
	}
	return m, err
}

func (r *PostgresMessageRepo) ListByBulk(ctx context.Context, bulkJobID string) ([]model.Message, error) {
	return r.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE bulk_job_id = $1
		ORDER BY bulk_seq ASC
	`, bulkJobID)
}

func (r *PostgresMessageRepo) ListByTenant(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.Message, error) {
	limit, offset = clampPage(limit, offset)
	return r.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, tenantID, string(status), limit, offset)
}

func (r *PostgresMessageRepo) list(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepo) SetJobID(ctx context.Context, id, jobID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET job_id = $2, updated_at = now() WHERE id = $1`, id, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("message", id)
	}
	return nil
}

// Transition locks the row, applies the change in Go so the memory and
// Postgres stores share one state machine, and writes the result back.
func (r *PostgresMessageRepo) Transition(ctx context.Context, id string, t model.Transition) (TransitionResult, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return TransitionResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return TransitionResult{}, apperr.NotFound("message", id)
	}
	if err != nil {
		return TransitionResult{}, err
	}

	from := m.Status
	if !m.Apply(t) {
		return TransitionResult{Message: m, From: from}, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = $2,
		    provider_message_id = $3,
		    attempt_count = $4,
		    last_error = $5,
		    error_code = $6,
		    sent_at = $7,
		    delivered_at = $8,
		    updated_at = $9
		WHERE id = $1
	`, m.ID, string(m.Status), nullString(m.ProviderMessageID), m.Attempts,
		nullString(m.LastError), nullString(m.ErrorCode), nullTime(m.SentAt),
		nullTime(m.DeliveredAt), m.UpdatedAt); err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Message: m, From: from, Changed: true}, nil
}
