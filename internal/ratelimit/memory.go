package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a token bucket per key, refilled continuously at rate
// tokens per second up to burst. Keys idle for longer than idleTTL are
// evicted by a background sweep.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

const idleTTL = 10 * time.Minute

// NewMemoryLimiter starts a limiter. Call Close to stop its sweeper.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep(time.Minute)
	return m
}

// Allow spends cost tokens from key's bucket. A cost above the burst size
// can never be satisfied and is always denied. Non-positive costs are
// treated as one.
func (m *MemoryLimiter) Allow(_ context.Context, key string, cost int) (bool, error) {
	c := float64(max(cost, 1))

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	} else {
		b.tokens = min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
		b.seen = now
	}
	if b.tokens < c {
		return false, nil
	}
	b.tokens -= c
	return true, nil
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
