package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps fixed-window counters in process. It backs tests,
// single-instance deployments and the degraded mode of a Redis limiter.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	store map[string]*bucket
	hits  int
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewMemory() *MemoryStore {
	return NewMemoryWithClock(time.Now)
}

func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{now: now, store: make(map[string]*bucket)}
}

func (m *MemoryStore) Hit(_ context.Context, counters []Counter) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.hits++
	if m.hits%1024 == 0 {
		m.sweep(now)
	}

	var retry time.Duration
	for _, c := range counters {
		b, ok := m.store[c.Key]
		if !ok || !now.Before(b.resetAt) {
			continue
		}
		if b.count >= c.Limit {
			if wait := b.resetAt.Sub(now); wait > retry {
				retry = wait
			}
		}
	}
	if retry > 0 {
		return Result{Allowed: false, RetryAfter: retry}, nil
	}

	for _, c := range counters {
		b, ok := m.store[c.Key]
		if !ok || !now.Before(b.resetAt) {
			b = &bucket{resetAt: now.Add(c.Period)}
			m.store[c.Key] = b
		}
		b.count++
	}
	return Result{Allowed: true}, nil
}

func (m *MemoryStore) sweep(now time.Time) {
	for k, b := range m.store {
		if !now.Before(b.resetAt) {
			delete(m.store, k)
		}
	}
}
