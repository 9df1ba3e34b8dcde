package model

import "time"

// DeliveryEvent is the canonical form of a provider delivery callback.
type DeliveryEvent struct {
	Provider          string    `json:"provider"`
	MessageID         string    `json:"messageId,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Status            Status    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	ProviderErrorCode string    `json:"providerErrorCode,omitempty"`
}
