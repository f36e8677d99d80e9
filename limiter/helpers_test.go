package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingStore fails every call with err.
type failingStore struct {
	err   error
	calls atomic.Int64
}

func (s *failingStore) Apply(context.Context, string, int, int, time.Time) (ApplyResult, error) {
	s.calls.Add(1)
	return ApplyResult{}, s.err
}

func (s *failingStore) Ping(context.Context) error {
	return s.err
}

// blockingStore never answers before the context ends.
type blockingStore struct{}

func (blockingStore) Apply(ctx context.Context, _ string, _ int, _ int, _ time.Time) (ApplyResult, error) {
	<-ctx.Done()
	return ApplyResult{}, ctx.Err()
}

func (blockingStore) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// recordingRecorder counts outcomes.
type recordingRecorder struct {
	mu          sync.Mutex
	outcomes    map[string]int
	storeErrors int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{outcomes: make(map[string]int)}
}

func (r *recordingRecorder) RecordCheck(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *recordingRecorder) RecordStoreError(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeErrors++
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}
