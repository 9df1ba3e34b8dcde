// Package cache remembers which message a provider-native id belongs to, so
// delivery callbacks can be matched without a repository lookup.
package cache

import (
	"context"
	"time"
)

type SentEntry struct {
	MessageID string    `json:"messageId"`
	TenantID  string    `json:"tenantId"`
	SentAt    time.Time `json:"sentAt"`
}

type MessageCache interface {
	StoreSent(ctx context.Context, provider, providerMessageID string, e SentEntry) error
	// LookupSent reports ok false on a miss.
	LookupSent(ctx context.Context, provider, providerMessageID string) (e SentEntry, ok bool, err error)
}

// Nop is used when no Redis is configured; every lookup misses.
type Nop struct{}

func (Nop) StoreSent(context.Context, string, string, SentEntry) error { return nil }

func (Nop) LookupSent(context.Context, string, string) (SentEntry, bool, error) {
	return SentEntry{}, false, nil
}
