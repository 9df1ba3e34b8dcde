package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

// HTTPGateway posts messages as JSON to a generic SMS gateway that answers
// 202 Accepted with a messageId, and reports delivery with JSON callbacks.
type HTTPGateway struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPGateway(name, url string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type gatewayRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	From        string `json:"from,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

type gatewayResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
	ErrorCode string `json:"errorCode"`
}

func (c *HTTPGateway) Name() string { return c.name }

func (c *HTTPGateway) Capabilities() Capabilities {
	return Capabilities{DeliveryReports: true, MaxBodyLength: model.MaxBodyLength}
}

func (c *HTTPGateway) Send(ctx context.Context, msg model.Message) (SendResult, error) {
	reqBody, err := json.Marshal(gatewayRequest{
		PhoneNumber: msg.To,
		Message:     msg.Body,
		From:        msg.From,
		Reference:   msg.ID,
	})
	if err != nil {
		return SendResult{}, Permanent("", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return SendResult{}, Permanent("", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return SendResult{}, Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		err := fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return SendResult{}, Transient(err)
		}
		var gr gatewayResponse
		_ = json.Unmarshal(body, &gr)
		return SendResult{}, Permanent(gr.ErrorCode, err)
	}

	var sr gatewayResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return SendResult{}, Transient(fmt.Errorf("failed to decode json: %w body=%q", err, string(body)))
	}
	if sr.MessageID == "" {
		return SendResult{}, Transient(fmt.Errorf("missing messageId in response body=%q", string(body)))
	}

	return SendResult{ProviderMessageID: sr.MessageID, Status: model.Sent, SentAt: time.Now().UTC()}, nil
}

// TestConnectivity treats any non-5xx answer to a HEAD request as reachable.
func (c *HTTPGateway) TestConnectivity(ctx context.Context) HealthResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return healthFrom(c.name, start, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return healthFrom(c.name, start, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return healthFrom(c.name, start, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}
	return healthFrom(c.name, start, nil)
}

func (c *HTTPGateway) HandleWebhook(ctx context.Context, p WebhookPayload) (model.DeliveryEvent, error) {
	return parseJSONCallback(c.name, p.Body)
}
