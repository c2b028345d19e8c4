package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	evictEvery  = time.Minute
	idleEvictAt = 10 * time.Minute
)

// MemoryLimiter is a per-key token bucket held in process memory. One
// bucket per key; idle buckets are evicted to bound memory against
// webhook senders that never come back.
type MemoryLimiter struct {
	refillPerSec float64
	capacity     float64

	mu    sync.Mutex
	state map[string]*tokenState

	closeOnce sync.Once
	stop      chan struct{}
}

type tokenState struct {
	remaining float64
	seenAt    time.Time
}

// NewMemoryLimiter builds a limiter allowing a sustained rate per
// second per key with the given burst capacity. Close stops the
// eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		refillPerSec: rate,
		capacity:     float64(burst),
		state:        make(map[string]*tokenState),
		stop:         make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow takes one token for key, refilling first from elapsed time.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	st := m.state[key]
	if st == nil {
		m.state[key] = &tokenState{remaining: m.capacity - 1, seenAt: now}
		return true, nil
	}

	st.remaining += now.Sub(st.seenAt).Seconds() * m.refillPerSec
	if st.remaining > m.capacity {
		st.remaining = m.capacity
	}
	st.seenAt = now

	if st.remaining < 1 {
		return false, nil
	}
	st.remaining--
	return true, nil
}

// Close stops the eviction goroutine. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictIdle(time.Now().Add(-idleEvictAt))
		}
	}
}

func (m *MemoryLimiter) evictIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, st := range m.state {
		if st.seenAt.Before(cutoff) {
			delete(m.state, key)
		}
	}
}
