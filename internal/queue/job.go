// Package queue is a durable, priority and delay aware job queue with
// retries and exponential backoff.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) Pending() bool {
	return s == StateWaiting || s == StateDelayed
}

// Job priorities. Higher runs first.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
	PriorityUrgent = 15
)

type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	State       State           `json:"state"`
	RunAt       time.Time       `json:"runAt"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	LeaseUntil  *time.Time      `json:"-"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// FinalAttempt reports whether a failure of the current run is terminal.
func (j Job) FinalAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

type Options struct {
	// ID overrides the generated job id.
	ID          string
	Priority    int
	Delay       time.Duration
	RunAt       time.Time
	MaxAttempts int
}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrDuplicateJob  = errors.New("job already exists")
	ErrNotActive     = errors.New("job is not active")
	ErrNotCancelable = errors.New("job is already running or finished")
)

// Permanent marks a handler error as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter asks for the next attempt no sooner than after, e.g. when a
// downstream API answered with a Retry-After header.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }
