// Package provider wraps heterogeneous SMS backends behind one Adapter contract
// and keeps them in a Registry that adds circuit breaking and send throttling.
package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

// ErrMalformedPayload is returned by HandleWebhook for callbacks it cannot parse
// or does not recognise.
var ErrMalformedPayload = errors.New("malformed webhook payload")

type Capabilities struct {
	DeliveryReports bool `json:"deliveryReports"`
	CustomSender    bool `json:"customSender"`
	MaxBodyLength   int  `json:"maxBodyLength"`
}

type SendResult struct {
	ProviderMessageID string
	// Status is the provider-side status at acceptance time, usually sent.
	Status model.Status
	SentAt time.Time
}

type HealthResult struct {
	Provider  string    `json:"provider"`
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latencyMs"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// WebhookPayload is the raw callback as received on the ingress path.
type WebhookPayload struct {
	Header http.Header
	Form   url.Values
	Body   []byte
}

// Adapter is implemented by every send backend. Adapters hold no per-message
// state; a single instance serves all tenants.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Send(ctx context.Context, msg model.Message) (SendResult, error)
	TestConnectivity(ctx context.Context) HealthResult
	HandleWebhook(ctx context.Context, payload WebhookPayload) (model.DeliveryEvent, error)
}

func healthFrom(name string, start time.Time, err error) HealthResult {
	h := HealthResult{
		Provider:  name,
		Healthy:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}
