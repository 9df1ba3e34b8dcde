package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/queue"
)

// Sweeper drops idle rate limiter state.
type Sweeper interface {
	Sweep() int
}

// Maintenance returns a tick that recovers expired leases, purges finished
// jobs older than retention and refreshes depth gauges on every queue, then
// sweeps the limiter when one is given.
func Maintenance(queues []*queue.Queue, sweeper Sweeper, retention time.Duration) TickFunc {
	logger := slog.Default().With("component", "maintenance")

	return func(ctx context.Context) error {
		var errs []error
		for _, q := range queues {
			rep, err := q.Maintain(ctx, retention)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if rep.Requeued > 0 || rep.Failed > 0 || rep.Purged > 0 {
				logger.Info("queue maintained",
					"queue", q.Name(),
					"requeued", rep.Requeued,
					"failed", rep.Failed,
					"purged", rep.Purged,
				)
			}
		}
		if sweeper != nil {
			if n := sweeper.Sweep(); n > 0 {
				logger.Debug("rate limiter swept", "keys", n)
			}
		}
		return errors.Join(errs...)
	}
}
