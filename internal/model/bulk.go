package model

import "time"

type BulkStatus string

const (
	BulkDraft      BulkStatus = "draft"
	BulkProcessing BulkStatus = "processing"
	BulkCompleted  BulkStatus = "completed"
	BulkFailed     BulkStatus = "failed"
	BulkCancelled  BulkStatus = "cancelled"
)

func (s BulkStatus) Terminal() bool {
	return s == BulkCompleted || s == BulkFailed || s == BulkCancelled
}

type BulkStatistics struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Settled counts messages that no longer wait for dispatch.
func (s BulkStatistics) Settled() int {
	return s.Sent + s.Delivered + s.Failed + s.Cancelled
}

func (s BulkStatistics) Add(d StatsDelta) BulkStatistics {
	s.Sent += d.Sent
	s.Delivered += d.Delivered
	s.Failed += d.Failed
	s.Cancelled += d.Cancelled
	return s
}

type BulkJob struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenantId"`
	Provider          string         `json:"provider"`
	Priority          Priority       `json:"priority"`
	BatchSize         int            `json:"batchSize"`
	InterBatchDelayMs int            `json:"interBatchDelayMs"`
	MessageIDs        []string       `json:"messageIds"`
	Status            BulkStatus     `json:"status"`
	Statistics        BulkStatistics `json:"statistics"`
	ScheduledAt       *time.Time     `json:"scheduledAt,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
}

// Batches splits the ordered message ids into slices of BatchSize.
func (b BulkJob) Batches() [][]string {
	size := b.BatchSize
	if size <= 0 {
		size = len(b.MessageIDs)
	}
	var out [][]string
	for start := 0; start < len(b.MessageIDs); start += size {
		end := min(start+size, len(b.MessageIDs))
		out = append(out, b.MessageIDs[start:end])
	}
	return out
}

// StatsDelta is the change in bulk statistics caused by one message transition.
type StatsDelta struct {
	Sent      int
	Delivered int
	Failed    int
	Cancelled int
}

func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}

// DeltaFor keeps sent+delivered+failed+cancelled <= total: a message moves
// out of sent when it later settles as delivered or failed.
func DeltaFor(from, to Status) StatsDelta {
	var d StatsDelta
	switch to {
	case Sent:
		d.Sent = 1
	case Delivered:
		d.Delivered = 1
	case Failed:
		d.Failed = 1
	case Cancelled:
		d.Cancelled = 1
	default:
		return d
	}
	if from == Sent {
		d.Sent--
	}
	return d
}
