package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidPhone(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{"+14155552671", true},
		{"+12", true},
		{"+1", false},
		{"14155552671", false},
		{"+04155552671", false},
		{"+1415555267112345", false},
		{"+1415-555", false},
	} {
		assert.Equal(t, tc.want, ValidPhone(tc.in), tc.in)
	}
}

func TestStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{Pending, Queued, true},
		{Queued, Sending, true},
		{Sending, Sent, true},
		{Sending, Queued, true},
		{Sent, Delivered, true},
		{Sent, Failed, true},
		{Sending, Delivered, true},
		{Queued, Cancelled, true},
		{Sending, Cancelled, false},
		{Sent, Queued, false},
		{Sent, Sending, false},
		{Delivered, Failed, false},
		{Failed, Delivered, false},
		{Cancelled, Queued, false},
		{Queued, Queued, false},
		{Pending, Delivered, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestMessage_Apply(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := Message{Status: Sending}

	ok := m.Apply(Transition{To: Sent, ProviderMessageID: "SM1", At: at})
	assert.True(t, ok)
	assert.Equal(t, Sent, m.Status)
	assert.Equal(t, "SM1", m.ProviderMessageID)
	if assert.NotNil(t, m.SentAt) {
		assert.True(t, m.SentAt.Equal(at))
	}

	ok = m.Apply(Transition{To: Queued, LastError: "late"})
	assert.False(t, ok)
	assert.Equal(t, Sent, m.Status)
	assert.Empty(t, m.LastError)
}

func TestDeltaFor_KeepsSumWithinTotal(t *testing.T) {
	stats := BulkStatistics{Total: 1}
	stats = stats.Add(DeltaFor(Sending, Sent))
	assert.Equal(t, 1, stats.Sent)

	stats = stats.Add(DeltaFor(Sent, Delivered))
	assert.Equal(t, BulkStatistics{Total: 1, Delivered: 1}, stats)
	assert.Equal(t, 1, stats.Settled())

	assert.True(t, DeltaFor(Pending, Queued).IsZero())
	assert.Equal(t, StatsDelta{Sent: -1, Failed: 1}, DeltaFor(Sent, Failed))
}

func TestBulkJob_Batches(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"}
	b := BulkJob{MessageIDs: ids, BatchSize: 3}

	batches := b.Batches()
	assert.Len(t, batches, 4)
	assert.Equal(t, []string{"10"}, batches[3])
}

func TestUsage_Exceeds(t *testing.T) {
	q := Quotas{DailyLimit: 2, MonthlyLimit: 10}
	assert.Equal(t, QuotaScope(""), Usage{DailyCount: 1}.Exceeds(q, 1))
	assert.Equal(t, ScopeDaily, Usage{DailyCount: 2}.Exceeds(q, 1))
	assert.Equal(t, ScopeMonthly, Usage{MonthlyCount: 10}.Exceeds(Quotas{DailyLimit: Unlimited, MonthlyLimit: 10}, 1))
	assert.Equal(t, QuotaScope(""), Usage{DailyCount: 1000}.Exceeds(Quotas{DailyLimit: Unlimited, MonthlyLimit: Unlimited}, 50))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	assert.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("urgent")
	assert.NoError(t, err)
	assert.Equal(t, 15, p.Weight())

	_, err = ParsePriority("asap")
	assert.Error(t, err)
}
