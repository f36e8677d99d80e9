package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// memoryEntry is a bucket plus its emulated TTL.
type memoryEntry struct {
	state     BucketState
	expiresAt time.Time
}

// MemoryStore implements the Store interface using an in-memory map.
// Its state is local to the process, so it only enforces a global limit on
// single-instance deployments. It also backs the FailLocal degradation policy.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]memoryEntry
}

// NewMemoryStore creates a new in-memory rate limit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]memoryEntry),
	}
}

// Apply implements the Store interface for memory storage.
func (s *MemoryStore) Apply(ctx context.Context, key string, capacity, windowSeconds int, now time.Time) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.buckets[key]
	if exists && !now.Before(entry.expiresAt) {
		// expired keys behave as never seen
		delete(s.buckets, key)
		exists = false
	}

	next, after, allowed := Evaluate(entry.state, exists, capacity, windowSeconds, now)
	if allowed {
		s.buckets[key] = memoryEntry{
			state:     next,
			expiresAt: now.Add(time.Duration(ttlWindows*windowSeconds) * time.Second),
		}
		log.Trace().Str("key", key).Float64("tokens", after).Msg("memory bucket updated")
	}
	return ApplyResult{Tokens: after, Allowed: allowed}, nil
}

// Ping implements the Store interface. A memory store is always reachable.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements io.Closer.
func (s *MemoryStore) Close() error {
	return nil
}

// TTL returns the remaining lifetime of key at now, or false if the key is absent or expired.
func (s *MemoryStore) TTL(key string, now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.buckets[key]
	if !ok || !now.Before(entry.expiresAt) {
		return 0, false
	}
	return entry.expiresAt.Sub(now), true
}

// Sweep drops every bucket expired at now and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.buckets {
		if !now.Before(entry.expiresAt) {
			delete(s.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(s.buckets)).Msg("expired memory buckets swept")
	}
	return removed
}

// Len returns the number of tracked buckets, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RunJanitor sweeps expired buckets every interval until ctx is done. It blocks,
// so callers start it in its own goroutine.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration, now func() time.Time) {
	if interval <= 0 {
		interval = time.Minute
	}
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("memory store janitor stopped")
			return
		case <-ticker.C:
			s.Sweep(now())
		}
	}
}
