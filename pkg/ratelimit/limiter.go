// Package ratelimit enforces fixed-window per-key request quotas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the window rolls over, at least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now).Round(time.Second)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

func newDecision(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

type Memory struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	counts map[string]window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewMemory(w time.Duration) *Memory {
	if w <= 0 {
		w = time.Minute
	}
	return &Memory{window: w, now: time.Now, counts: map[string]window{}}
}

func (m *Memory) Allow(_ context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.counts {
		if !now.Before(v.resetAt) {
			delete(m.counts, k)
		}
	}
	cur, ok := m.counts[key]
	if !ok {
		cur = window{resetAt: now.Add(m.window)}
	}
	cur.count++
	m.counts[key] = cur
	return newDecision(cur.count, limit, cur.resetAt)
}
