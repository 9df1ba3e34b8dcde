package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps the window log in process. Each key has its own lock,
// so tenants never contend with each other.
type MemoryLimiter struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	logs map[string]*requestLog
}

type requestLog struct {
	mu     sync.Mutex
	stamps []time.Time
}

func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		window: window,
		now:    time.Now,
		logs:   make(map[string]*requestLog),
	}
}

func (l *MemoryLimiter) logFor(key string) *requestLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.logs[key]
	if !ok {
		rl = &requestLog{}
		l.logs[key] = rl
	}
	return rl
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	now := l.now()
	if limit <= 0 {
		return unlimited(now), nil
	}

	rl := l.logFor(key)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.prune(now.Add(-l.window))

	if len(rl.stamps) < limit {
		rl.stamps = append(rl.stamps, now)
		return decide(now, rl.stamps[0], l.window, limit, len(rl.stamps), true), nil
	}

	oldest := now
	if len(rl.stamps) > 0 {
		oldest = rl.stamps[0]
	}
	return decide(now, oldest, l.window, limit, len(rl.stamps), false), nil
}

// prune drops stamps at or before cutoff. Stamps are appended in order.
func (rl *requestLog) prune(cutoff time.Time) {
	i := 0
	for i < len(rl.stamps) && !rl.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.stamps = append(rl.stamps[:0], rl.stamps[i:]...)
	}
}

// Sweep forgets keys with no request inside the window and returns how many
// were removed.
func (l *MemoryLimiter) Sweep() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, rl := range l.logs {
		rl.mu.Lock()
		rl.prune(cutoff)
		empty := len(rl.stamps) == 0
		rl.mu.Unlock()
		if empty {
			delete(l.logs, key)
			removed++
		}
	}
	return removed
}
