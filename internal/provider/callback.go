package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

// jsonCallback is the delivery report shape posted by JSON gateways.
type jsonCallback struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	ErrorCode string    `json:"errorCode"`
}

func parseJSONCallback(provider string, body []byte) (model.DeliveryEvent, error) {
	var cb jsonCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return model.DeliveryEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if cb.MessageID == "" {
		return model.DeliveryEvent{}, fmt.Errorf("%w: missing messageId", ErrMalformedPayload)
	}
	status, ok := canonicalStatus(cb.Status)
	if !ok {
		return model.DeliveryEvent{}, fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, cb.Status)
	}
	ts := cb.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return model.DeliveryEvent{
		Provider:          provider,
		ProviderMessageID: cb.MessageID,
		Status:            status,
		Timestamp:         ts.UTC(),
		ProviderErrorCode: cb.ErrorCode,
	}, nil
}

func canonicalStatus(s string) (model.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "queued", "scheduled", "enroute":
		return model.Queued, true
	case "sending":
		return model.Sending, true
	case "sent":
		return model.Sent, true
	case "delivered", "read":
		return model.Delivered, true
	case "failed", "undelivered", "rejected", "expired", "canceled", "cancelled":
		return model.Failed, true
	}
	return "", false
}
