package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps jobs in the queue_jobs table. Workers in any number of
// processes claim with FOR UPDATE SKIP LOCKED, so a row is handed out once.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, queue, type, payload, priority,
	CASE WHEN state = 'delayed' AND run_at <= $1 THEN 'waiting' ELSE state END,
	run_at, attempts, max_attempts, progress, result, last_error, lease_until,
	created_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var state string
	var payload, result []byte
	var lastErr sql.NullString
	var lease, started, finished sql.NullTime

	if err := row.Scan(
		&j.ID,
		&j.Queue,
		&j.Type,
		&payload,
		&j.Priority,
		&state,
		&j.RunAt,
		&j.Attempts,
		&j.MaxAttempts,
		&j.Progress,
		&result,
		&lastErr,
		&lease,
		&j.CreatedAt,
		&started,
		&finished,
		&j.UpdatedAt,
	); err != nil {
		return Job{}, err
	}
	j.State = State(state)
	j.Payload = payload
	if len(result) > 0 {
		j.Result = result
	}
	j.LastError = lastErr.String
	if lease.Valid {
		j.LeaseUntil = &lease.Time
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return j, nil
}

func (s *PostgresStore) Add(ctx context.Context, job Job) error {
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue, type, payload, priority, state, run_at, attempts,
		                        max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Queue, job.Type, []byte(payload), job.Priority, string(job.State), job.RunAt,
		job.Attempts, job.MaxAttempts, job.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateJob
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, queue, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM queue_jobs
		WHERE id = $2 AND queue = $3
	`, time.Now().UTC(), id, queue))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (s *PostgresStore) Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Job{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM queue_jobs
		WHERE queue = $1
		  AND state IN ('waiting', 'delayed')
		  AND run_at <= $2
		ORDER BY priority DESC, seq ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, queue, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, tx.Commit()
	}
	if err != nil {
		return Job{}, false, err
	}

	j, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET state = 'active',
		    attempts = attempts + 1,
		    lease_until = $3,
		    started_at = COALESCE(started_at, $1),
		    updated_at = $1
		WHERE id = $2
		RETURNING `+jobColumns, now, id, now.Add(lease)))
	if err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (s *PostgresStore) execActive(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotActive
	}
	return nil
}

func (s *PostgresStore) Extend(ctx context.Context, id string, until time.Time) error {
	return s.execActive(ctx, `
		UPDATE queue_jobs SET lease_until = $2 WHERE id = $1 AND state = 'active'
	`, id, until)
}

func (s *PostgresStore) SetProgress(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET progress = $2, updated_at = now() WHERE id = $1
	`, id, min(max(progress, 0), 100))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	var res any
	if len(result) > 0 {
		res = []byte(result)
	}
	return s.execActive(ctx, `
		UPDATE queue_jobs
		SET state = 'completed', result = $2, progress = 100, lease_until = NULL,
		    finished_at = $3, updated_at = $3
		WHERE id = $1 AND state = 'active'
	`, id, res, at)
}

func (s *PostgresStore) Retry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	return s.execActive(ctx, `
		UPDATE queue_jobs
		SET state = 'delayed', run_at = $2, last_error = $3, lease_until = NULL, updated_at = now()
		WHERE id = $1 AND state = 'active'
	`, id, runAt, errMsg)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, errMsg string, at time.Time) error {
	return s.execActive(ctx, `
		UPDATE queue_jobs
		SET state = 'failed', last_error = $2, lease_until = NULL, finished_at = $3, updated_at = $3
		WHERE id = $1 AND state = 'active'
	`, id, errMsg, at)
}

func (s *PostgresStore) Cancel(ctx context.Context, queue, id string, at time.Time) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET state = 'cancelled', finished_at = $1, updated_at = $1
		WHERE id = $2 AND queue = $3 AND state IN ('waiting', 'delayed')
		RETURNING `+jobColumns, at, id, queue))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Job{}, err
	}
	j, err = s.Get(ctx, queue, id)
	if err != nil {
		return Job{}, err
	}
	return j, ErrNotCancelable
}

func (s *PostgresStore) RequeueExpired(ctx context.Context, queue string, now time.Time) (int, []Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE queue_jobs
		SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'waiting' END,
		    last_error = CASE WHEN attempts >= max_attempts THEN 'worker lease expired' ELSE last_error END,
		    finished_at = CASE WHEN attempts >= max_attempts THEN $1 ELSE NULL END,
		    lease_until = NULL,
		    updated_at = $1
		WHERE queue = $2 AND state = 'active' AND lease_until < $1
		RETURNING `+jobColumns, now, queue)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	n := 0
	var failed []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return 0, nil, err
		}
		if j.State == StateFailed {
			failed = append(failed, j)
			continue
		}
		n++
	}
	return n, failed, rows.Err()
}

func (s *PostgresStore) Purge(ctx context.Context, queue string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_jobs
		WHERE queue = $1 AND state IN ('completed', 'failed', 'cancelled') AND finished_at < $2
	`, queue, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Counts(ctx context.Context, queue string, now time.Time) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN state = 'delayed' AND run_at <= $2 THEN 'waiting' ELSE state END AS st, count(*)
		FROM queue_jobs
		WHERE queue = $1
		GROUP BY st
	`, queue, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[State]int{
		StateWaiting: 0, StateDelayed: 0, StateActive: 0,
		StateCompleted: 0, StateFailed: 0, StateCancelled: 0,
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[State(st)] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ahead(ctx context.Context, queue string, priority int, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM queue_jobs
		WHERE queue = $1 AND state IN ('waiting', 'delayed') AND run_at <= $2 AND priority >= $3
	`, queue, now, priority).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs ahead: %w", err)
	}
	return n, nil
}
