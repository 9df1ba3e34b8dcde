package queue

import (
	"errors"
	"math/rand"
	"time"
)

// Backoff computes the delay before retry n (1-based): Base * 2^(n-1),
// capped at Max, with +/- Jitter applied.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

func (b Backoff) Delay(retry int, rng *rand.Rand) time.Duration {
	b = b.withDefaults()

	d := b.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	return b.jitter(d, rng)
}

// DelayFor honours a RetryAfter hint carried by err, bounded by Max.
func (b Backoff) DelayFor(retry int, err error, rng *rand.Rand) time.Duration {
	var ra retryAfterError
	if errors.As(err, &ra) {
		b = b.withDefaults()
		return min(ra.after, b.Max)
	}
	return b.Delay(retry, rng)
}

func (b Backoff) jitter(d time.Duration, rng *rand.Rand) time.Duration {
	if b.Jitter == 0 || rng == nil || d <= 0 {
		return d
	}
	r := (rng.Float64()*2 - 1) * b.Jitter
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), b.Max)
}
