package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreConcurrency(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Apply(context.Background(), "k", 10, 60, clock.Now())
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestMemoryStoreTTL(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()

	_, err := store.Apply(context.Background(), "k", 5, 10, clock.Now())
	require.NoError(t, err)

	ttl, ok := store.TTL("k", clock.Now())
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, ttl)

	clock.Advance(20 * time.Second)
	_, ok = store.TTL("k", clock.Now())
	assert.False(t, ok)
}

func TestMemoryStoreExpiredKeyStartsOver(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Apply(ctx, "k", 3, 10, clock.Now())
		require.NoError(t, err)
	}

	clock.Advance(21 * time.Second)
	res, err := store.Apply(ctx, "k", 3, 10, clock.Now())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2.0, res.Tokens)
}

func TestMemoryStoreDenialKeepsTTL(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Apply(ctx, "k", 1, 10, clock.Now())
	require.NoError(t, err)

	clock.Advance(time.Second)
	res, err := store.Apply(ctx, "k", 1, 10, clock.Now())
	require.NoError(t, err)
	require.False(t, res.Allowed)

	ttl, ok := store.TTL("k", clock.Now())
	require.True(t, ok)
	assert.Equal(t, 19*time.Second, ttl)
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Apply(ctx, "short", 5, 1, clock.Now())
	require.NoError(t, err)
	_, err = store.Apply(ctx, "long", 5, 60, clock.Now())
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, store.Sweep(clock.Now()))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().Apply(ctx, "k", 5, 10, time.Now())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreJanitor(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	_, err := store.Apply(context.Background(), "ip|1.1.1.1|/a", 1, 1, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	clock.Advance(3 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunJanitor(ctx, 5*time.Millisecond, clock.Now)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
