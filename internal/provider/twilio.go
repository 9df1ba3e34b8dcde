package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	From           string
	BaseURL        string
	StatusCallback string
	Timeout        time.Duration
}

// Twilio sends through the Programmable Messaging REST API.
type Twilio struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Twilio{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Capabilities() Capabilities {
	return Capabilities{DeliveryReports: true, CustomSender: true, MaxBodyLength: model.MaxBodyLength}
}

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// permanentTwilioCodes are request errors that will fail the same way on retry.
var permanentTwilioCodes = map[int]bool{
	21211: true, // invalid To number
	21408: true, // region not enabled
	21610: true, // recipient unsubscribed
	21612: true, // unreachable via this From
	21614: true, // not a mobile number
	30003: true, // unreachable handset
	30005: true, // unknown destination
	30006: true, // landline or unreachable carrier
}

func (t *Twilio) Send(ctx context.Context, msg model.Message) (SendResult, error) {
	from := msg.From
	if from == "" {
		from = t.cfg.From
	}
	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", from)
	form.Set("Body", msg.Body)
	if t.cfg.StatusCallback != "" {
		form.Set("StatusCallback", t.cfg.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.cfg.BaseURL, url.PathEscape(t.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, Permanent("", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return SendResult{}, Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		return SendResult{}, classifyTwilio(resp.StatusCode, body)
	}

	var m twilioMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return SendResult{}, Transient(fmt.Errorf("failed to decode json: %w body=%q", err, string(body)))
	}
	if m.SID == "" {
		return SendResult{}, Transient(fmt.Errorf("missing sid in response body=%q", string(body)))
	}

	status, ok := canonicalStatus(m.Status)
	if !ok || status == model.Queued || status == model.Sending {
		status = model.Sent
	}
	return SendResult{ProviderMessageID: m.SID, Status: status, SentAt: time.Now().UTC()}, nil
}

func classifyTwilio(httpStatus int, body []byte) error {
	var te twilioError
	_ = json.Unmarshal(body, &te)
	err := fmt.Errorf("twilio status %d: %s", httpStatus, strings.TrimSpace(te.Message))
	code := ""
	if te.Code != 0 {
		code = strconv.Itoa(te.Code)
	}

	switch {
	case permanentTwilioCodes[te.Code]:
		return Permanent(code, err)
	case httpStatus == http.StatusTooManyRequests, httpStatus >= 500:
		return &SendError{Code: code, Err: err}
	case httpStatus == http.StatusUnauthorized, httpStatus == http.StatusForbidden:
		// credentials problems affect every message; let the breaker see them
		return &SendError{Code: code, Err: err}
	default:
		return Permanent(code, err)
	}
}

func (t *Twilio) TestConnectivity(ctx context.Context) HealthResult {
	start := time.Now()
	err := t.ping(ctx)
	return healthFrom(t.Name(), start, err)
}

func (t *Twilio) ping(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", t.cfg.BaseURL, url.PathEscape(t.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// HandleWebhook parses a status callback. Twilio posts form encoded fields.
func (t *Twilio) HandleWebhook(ctx context.Context, p WebhookPayload) (model.DeliveryEvent, error) {
	form := p.Form
	if len(form) == 0 && len(p.Body) > 0 {
		parsed, err := url.ParseQuery(string(p.Body))
		if err != nil {
			return model.DeliveryEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		form = parsed
	}

	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return model.DeliveryEvent{}, fmt.Errorf("%w: missing MessageSid", ErrMalformedPayload)
	}
	raw := form.Get("MessageStatus")
	if raw == "" {
		raw = form.Get("SmsStatus")
	}
	status, ok := canonicalStatus(raw)
	if !ok {
		return model.DeliveryEvent{}, errors.Join(ErrMalformedPayload, fmt.Errorf("unknown MessageStatus %q", raw))
	}

	return model.DeliveryEvent{
		Provider:          t.Name(),
		ProviderMessageID: sid,
		Status:            status,
		Timestamp:         time.Now().UTC(),
		ProviderErrorCode: form.Get("ErrorCode"),
	}, nil
}
