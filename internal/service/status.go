package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/queue"
)

type JobStatus struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	State       queue.State     `json:"state"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RunAt       time.Time       `json:"runAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

func statusOf(j queue.Job) JobStatus {
	return JobStatus{
		ID:          j.ID,
		Queue:       j.Queue,
		Type:        j.Type,
		State:       j.State,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.LastError,
		RunAt:       j.RunAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}

// Tracker is the read side of the queues. Jobs purged after retention, or
// owned by another tenant, are reported as not found.
type Tracker struct {
	queues map[string]*queue.Queue
}

func NewTracker(queues ...*queue.Queue) *Tracker {
	t := &Tracker{queues: make(map[string]*queue.Queue, len(queues))}
	for _, q := range queues {
		t.queues[q.Name()] = q
	}
	return t
}

func (t *Tracker) queue(name string) (*queue.Queue, error) {
	if name == "" {
		name = QueueSMS
	}
	q, ok := t.queues[name]
	if !ok {
		return nil, apperr.Validation("unknown queue %q", name)
	}
	return q, nil
}

// job loads a job and checks it belongs to the tenant.
func (t *Tracker) job(ctx context.Context, tenantID, queueName, id string) (*queue.Queue, queue.Job, error) {
	q, err := t.queue(queueName)
	if err != nil {
		return nil, queue.Job{}, err
	}
	j, err := q.Get(ctx, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil, queue.Job{}, apperr.JobNotFound(q.Name(), id)
	}
	if err != nil {
		return nil, queue.Job{}, err
	}

	var owner struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(j.Payload, &owner); err != nil || owner.TenantID != tenantID {
		return nil, queue.Job{}, apperr.JobNotFound(q.Name(), id)
	}
	return q, j, nil
}

func (t *Tracker) GetStatus(ctx context.Context, tenantID, queueName, id string) (JobStatus, error) {
	_, j, err := t.job(ctx, tenantID, queueName, id)
	if err != nil {
		return JobStatus{}, err
	}
	return statusOf(j), nil
}
