package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

const (
	DefaultDailySpec   = "0 0 * * *"
	DefaultMonthlySpec = "0 0 1 * *"
)

// ResetScheduler zeroes counters for all tenants on cron schedules.
type ResetScheduler struct {
	mgr     *Manager
	log     *slog.Logger
	timeout time.Duration

	mu sync.Mutex
	c  *cron.Cron
}

func NewResetScheduler(mgr *Manager, dailySpec, monthlySpec string, loc *time.Location) (*ResetScheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &ResetScheduler{
		mgr:     mgr,
		log:     slog.Default().With("component", "quota-reset"),
		timeout: time.Minute,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
	}

	if _, err := s.c.AddFunc(dailySpec, func() { s.run(model.ResetDaily) }); err != nil {
		return nil, fmt.Errorf("daily reset schedule %q: %w", dailySpec, err)
	}
	if _, err := s.c.AddFunc(monthlySpec, func() { s.run(model.ResetMonthly) }); err != nil {
		return nil, fmt.Errorf("monthly reset schedule %q: %w", monthlySpec, err)
	}
	return s, nil
}

func (s *ResetScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Start()
	s.log.Info("quota reset scheduler started", "location", s.c.Location().String())
}

// Stop waits for a running reset to finish or ctx to expire.
func (s *ResetScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("quota reset scheduler stopped")
}

func (s *ResetScheduler) run(r model.ResetType) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("quota reset panic recovered", "type", string(r), "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.mgr.ResetAll(ctx, r); err != nil {
		s.log.Error("scheduled quota reset failed", "type", string(r), "error", err)
	}
}
