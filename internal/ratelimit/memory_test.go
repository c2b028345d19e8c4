package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	require.NoError(t, m.Close())
}

func TestAllowWithinBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}
}

func TestDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(0.0001, 2)
	defer closeLimiter(t, m)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefillRestoresTokens(t *testing.T) {
	m := NewMemoryLimiter(100, 1)
	defer closeLimiter(t, m)
	ctx := context.Background()

	ok, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(0.0001, 1)
	defer closeLimiter(t, m)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestConcurrentAllowCountsExactly(t *testing.T) {
	const burst = 50
	m := NewMemoryLimiter(0.0001, burst)
	defer closeLimiter(t, m)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Allow(context.Background(), "k")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, burst, allowed)
}

func TestEvictIdleDropsStaleKeys(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, m)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	_, _ = m.Allow(ctx, "fresh")

	m.mu.Lock()
	m.state["stale"].seenAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.evictIdle(time.Now().Add(-idleEvictAt))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.state, "stale")
	assert.Contains(t, m.state, "fresh")
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for i := 0; i < 10; i++ {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	require.NoError(t, l.Close())
}
