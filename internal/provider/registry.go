package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/metrics"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

// Settings tune the protection the registry puts around every adapter.
type Settings struct {
	// RatePerSecond throttles sends per adapter. 0 disables throttling.
	RatePerSecond float64
	Burst         int

	// TripAfter consecutive transient failures open the breaker.
	TripAfter    uint32
	OpenTimeout  time.Duration
	HalfOpenMax  uint32
	CountsWindow time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Burst <= 0 {
		s.Burst = max(1, int(s.RatePerSecond))
	}
	if s.TripAfter == 0 {
		s.TripAfter = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenMax == 0 {
		s.HalfOpenMax = 1
	}
	return s
}

type entry struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	health  *HealthResult
}

type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	defaultName string
	settings    Settings
	logger      *slog.Logger
}

func NewRegistry(defaultName string, settings Settings) *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		defaultName: defaultName,
		settings:    settings.withDefaults(),
		logger:      slog.Default().With("component", "provider-registry"),
	}
}

// Register adds or replaces the adapter stored under name.
func (r *Registry) Register(name string, a Adapter) error {
	if name == "" {
		return errors.New("provider name must not be empty")
	}
	if a == nil {
		return fmt.Errorf("provider %q: adapter must not be nil", name)
	}

	s := r.settings
	e := &entry{
		adapter: a,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: s.HalfOpenMax,
			Interval:    s.CountsWindow,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= s.TripAfter
			},
			// permanent failures are about the message, not the provider
			IsSuccessful: func(err error) bool {
				return err == nil || IsPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Warn("provider circuit breaker state changed",
					"provider", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
	if s.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(s.RatePerSecond), s.Burst)
	}

	r.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()

	r.logger.Info("provider registered", "provider", name, "default", name == r.defaultName)
	return nil
}

// Resolve returns name, or the default provider when name is empty.
func (r *Registry) Resolve(name string) string {
	if name == "" {
		return r.defaultName
	}
	return name
}

func (r *Registry) Default() string { return r.defaultName }

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Get returns the adapter for name (or the default when empty) wrapped with
// the registry's breaker and throttle.
func (r *Registry) Get(name string) (Adapter, error) {
	name = r.Resolve(name)
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.ProviderNotFound(name)
	}
	return &guarded{name: name, entry: e}, nil
}

type ProviderStats struct {
	Initialized bool       `json:"initialized"`
	Healthy     bool       `json:"healthy"`
	Breaker     string     `json:"breaker,omitempty"`
	LastCheck   *time.Time `json:"lastCheck,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

type Stats struct {
	DefaultProvider string                   `json:"defaultProvider"`
	Providers       map[string]ProviderStats `json:"providers"`
}

func (r *Registry) ListStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Stats{DefaultProvider: r.defaultName, Providers: make(map[string]ProviderStats, len(r.entries)+1)}
	for name, e := range r.entries {
		st := e.breaker.State()
		ps := ProviderStats{
			Initialized: true,
			Healthy:     st != gobreaker.StateOpen,
			Breaker:     st.String(),
		}
		if e.health != nil {
			at := e.health.CheckedAt
			ps.LastCheck = &at
			ps.Healthy = ps.Healthy && e.health.Healthy
			ps.LastError = e.health.Error
		}
		out.Providers[name] = ps
	}
	if _, ok := out.Providers[r.defaultName]; !ok && r.defaultName != "" {
		out.Providers[r.defaultName] = ProviderStats{}
	}
	return out
}

// Test runs the adapter's connectivity check and records the outcome.
func (r *Registry) Test(ctx context.Context, name string) (HealthResult, error) {
	name = r.Resolve(name)
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return HealthResult{}, apperr.ProviderNotFound(name)
	}

	h := e.adapter.TestConnectivity(ctx)
	h.Provider = name

	r.mu.Lock()
	e.health = &h
	r.mu.Unlock()

	if !h.Healthy {
		r.logger.Warn("provider connectivity check failed", "provider", name, "error", h.Error)
	}
	return h, nil
}

// guarded routes Send through the throttle and breaker; everything else is
// delegated untouched.
type guarded struct {
	name  string
	entry *entry
}

func (g *guarded) Name() string               { return g.name }
func (g *guarded) Capabilities() Capabilities { return g.entry.adapter.Capabilities() }

func (g *guarded) TestConnectivity(ctx context.Context) HealthResult {
	return g.entry.adapter.TestConnectivity(ctx)
}

func (g *guarded) HandleWebhook(ctx context.Context, p WebhookPayload) (model.DeliveryEvent, error) {
	return g.entry.adapter.HandleWebhook(ctx, p)
}

func (g *guarded) Send(ctx context.Context, msg model.Message) (SendResult, error) {
	if l := g.entry.limiter; l != nil {
		if err := l.Wait(ctx); err != nil {
			return SendResult{}, Transient(fmt.Errorf("throttle wait: %w", err))
		}
	}

	start := time.Now()
	out, err := g.entry.breaker.Execute(func() (interface{}, error) {
		return g.entry.adapter.Send(ctx, msg)
	})
	metrics.ProviderLatency.WithLabelValues(g.name).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.ProviderSends.WithLabelValues(g.name, "transient").Inc()
		return SendResult{}, Transient(fmt.Errorf("provider %s unavailable: %w", g.name, err))
	}
	if err != nil {
		outcome := "transient"
		if IsPermanent(err) {
			outcome = "permanent"
		}
		metrics.ProviderSends.WithLabelValues(g.name, outcome).Inc()
		return SendResult{}, err
	}

	metrics.ProviderSends.WithLabelValues(g.name, "sent").Inc()
	res, _ := out.(SendResult)
	return res, nil
}
