package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/cache"
	"github.com/LeventeLantos/sms-dispatch/internal/metrics"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/provider"
	"github.com/LeventeLantos/sms-dispatch/internal/repo"
)

type WebhookResult struct {
	Event     model.DeliveryEvent
	MessageID string
	// Applied is false for unparseable, unmatched and duplicate callbacks.
	Applied bool
}

// Normalizer turns provider delivery callbacks into message status changes.
// Only an unknown provider is reported as an error; everything else is
// acknowledged so providers do not retry.
type Normalizer struct {
	providers *provider.Registry
	messages  repo.MessageRepository
	cache     cache.MessageCache
	ledger    ledger
	logger    *slog.Logger
}

func NewNormalizer(deps Deps) *Normalizer {
	c := deps.Cache
	if c == nil {
		c = cache.Nop{}
	}
	logger := slog.Default().With("component", "webhook")
	return &Normalizer{
		providers: deps.Providers,
		messages:  deps.Messages,
		cache:     c,
		ledger:    ledger{messages: deps.Messages, bulk: deps.BulkJobs, logger: logger},
		logger:    logger,
	}
}

func (n *Normalizer) Handle(ctx context.Context, providerName string, payload provider.WebhookPayload) (WebhookResult, error) {
	adapter, err := n.providers.Get(providerName)
	if err != nil || providerName == "" {
		metrics.WebhookEvents.WithLabelValues("unknown", "unknown_provider").Inc()
		return WebhookResult{}, apperr.ProviderNotFound(providerName)
	}

	ev, err := adapter.HandleWebhook(ctx, payload)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, "malformed").Inc()
		n.logger.Warn("ignoring malformed webhook", "provider", providerName, "error", err)
		return WebhookResult{}, nil
	}
	res := WebhookResult{Event: ev}

	id, err := n.resolve(ctx, providerName, ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, "unmatched").Inc()
		n.logger.Warn("webhook does not match a message",
			"provider", providerName,
			"provider_message_id", ev.ProviderMessageID,
			"error", err,
		)
		return res, nil
	}
	res.MessageID = id
	res.Event.MessageID = id

	t := model.Transition{To: ev.Status, ErrorCode: ev.ProviderErrorCode, At: ev.Timestamp}
	if ev.Status == model.Failed {
		t.LastError = "provider reported delivery failure"
	}
	tr, err := n.ledger.transition(ctx, id, t)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, "error").Inc()
		n.logger.Error("applying delivery event failed", "provider", providerName, "message_id", id, "error", err)
		return res, nil
	}
	if !tr.Changed {
		metrics.WebhookEvents.WithLabelValues(providerName, "ignored").Inc()
		n.logger.Debug("delivery event does not advance message",
			"message_id", id,
			"current", string(tr.Message.Status),
			"event", string(ev.Status),
		)
		return res, nil
	}

	res.Applied = true
	metrics.WebhookEvents.WithLabelValues(providerName, "applied").Inc()
	n.logger.Info("delivery event applied",
		"provider", providerName,
		"message_id", id,
		"from", string(tr.From),
		"to", string(tr.Message.Status),
	)
	return res, nil
}

// resolve finds the message id for a provider-native id, via the cache
// first and the repository second.
func (n *Normalizer) resolve(ctx context.Context, providerName string, ev model.DeliveryEvent) (string, error) {
	if ev.MessageID != "" {
		return ev.MessageID, nil
	}
	if ev.ProviderMessageID == "" {
		return "", errors.New("event carries no message id")
	}

	e, ok, err := n.cache.LookupSent(ctx, providerName, ev.ProviderMessageID)
	if err != nil {
		n.logger.Warn("provider id cache lookup failed", "provider", providerName, "error", err)
	}
	if ok {
		return e.MessageID, nil
	}

	m, err := n.messages.FindByProviderMessageID(ctx, providerName, ev.ProviderMessageID)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}
