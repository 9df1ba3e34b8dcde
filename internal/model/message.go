package model

import (
	"regexp"
	"time"
)

type Status string

const (
	Pending   Status = "pending"
	Queued    Status = "queued"
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

const MaxBodyLength = 1600

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidPhone reports whether s is an E.164 formatted phone number.
func ValidPhone(s string) bool {
	return e164.MatchString(s)
}

var statusRank = map[Status]int{
	Pending:   0,
	Queued:    1,
	Sending:   2,
	Sent:      3,
	Delivered: 4,
	Failed:    4,
	Cancelled: 4,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal statuses are never overridden.
func (s Status) Terminal() bool {
	return s == Delivered || s == Failed || s == Cancelled
}

// CanTransition reports whether a message in status s may move to next.
// Transitions are forward only, except the sending->queued retry edge.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() || !next.Valid() || s == next {
		return false
	}
	switch next {
	case Queued:
		return s == Pending || s == Sending
	case Cancelled:
		// a message handed to a provider cannot be cancelled anymore
		return s == Pending || s == Queued
	case Failed:
		return true
	case Delivered:
		return s != Pending
	}
	return statusRank[next] > statusRank[s]
}

type Message struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenantId"`
	BulkJobID         string     `json:"bulkJobId,omitempty"`
	JobID             string     `json:"jobId,omitempty"`
	To                string     `json:"to"`
	From              string     `json:"from,omitempty"`
	Body              string     `json:"body"`
	Provider          string     `json:"provider"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	Priority          Priority   `json:"priority"`
	Status            Status     `json:"status"`
	ScheduledAt       *time.Time `json:"scheduledAt,omitempty"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"maxAttempts"`
	LastError         string     `json:"lastError,omitempty"`
	ErrorCode         string     `json:"errorCode,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
}

// Transition describes a requested status change. Empty fields are left untouched.
type Transition struct {
	To                Status
	ProviderMessageID string
	LastError         string
	ErrorCode         string
	IncrementAttempts bool
	At                time.Time
}

// Apply mutates m according to t. It reports false, leaving m unchanged,
// when the status change is not permitted.
func (m *Message) Apply(t Transition) bool {
	if !m.Status.CanTransition(t.To) {
		return false
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.Status = t.To
	m.UpdatedAt = at
	if t.ProviderMessageID != "" {
		m.ProviderMessageID = t.ProviderMessageID
	}
	if t.LastError != "" {
		m.LastError = t.LastError
	}
	if t.ErrorCode != "" {
		m.ErrorCode = t.ErrorCode
	}
	if t.IncrementAttempts {
		m.Attempts++
	}
	switch t.To {
	case Sent:
		m.SentAt = &at
	case Delivered:
		m.DeliveredAt = &at
	}
	return true
}
