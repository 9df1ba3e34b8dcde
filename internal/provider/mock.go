package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

// Mock is an in-memory adapter for local runs and tests. Failures can be
// scripted per recipient.
type Mock struct {
	name string

	mu       sync.Mutex
	seq      int
	sent     []model.Message
	calls    map[string]int
	script   map[string][]error
	always   map[string]error
	delay    time.Duration
	unhealth error
}

func NewMock(name string) *Mock {
	return &Mock{
		name:   name,
		calls:  make(map[string]int),
		script: make(map[string][]error),
		always: make(map[string]error),
	}
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) Capabilities() Capabilities {
	return Capabilities{DeliveryReports: true, CustomSender: true, MaxBodyLength: model.MaxBodyLength}
}

// FailNext makes the next len(errs) sends to recipient return errs in order.
func (m *Mock) FailNext(to string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[to] = append(m.script[to], errs...)
}

// FailAlways makes every send to recipient return err.
func (m *Mock) FailAlways(to string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.always[to] = err
}

// SetDelay makes every send block for d or until ctx is done.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *Mock) SetUnhealthy(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhealth = err
}

func (m *Mock) Calls(to string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[to]
}

func (m *Mock) Sent() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.sent...)
}

func (m *Mock) Send(ctx context.Context, msg model.Message) (SendResult, error) {
	m.mu.Lock()
	m.calls[msg.To]++
	delay := m.delay
	var err error
	if q := m.script[msg.To]; len(q) > 0 {
		err, m.script[msg.To] = q[0], q[1:]
	} else if e, ok := m.always[msg.To]; ok {
		err = e
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return SendResult{}, Transient(ctx.Err())
		case <-time.After(delay):
		}
	}
	if err != nil {
		return SendResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.sent = append(m.sent, msg)
	return SendResult{
		ProviderMessageID: fmt.Sprintf("%s-%d", m.name, m.seq),
		Status:            model.Sent,
		SentAt:            time.Now().UTC(),
	}, nil
}

func (m *Mock) TestConnectivity(ctx context.Context) HealthResult {
	m.mu.Lock()
	err := m.unhealth
	m.mu.Unlock()
	return healthFrom(m.name, time.Now(), err)
}

func (m *Mock) HandleWebhook(ctx context.Context, p WebhookPayload) (model.DeliveryEvent, error) {
	return parseJSONCallback(m.name, p.Body)
}
