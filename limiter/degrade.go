package limiter

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy decides the outcome of a check whose store call failed or timed out.
// Every Decision it returns has Degraded set.
type Policy interface {
	OnStoreFailure(ctx context.Context, key string, capacity, windowSeconds int, now time.Time) Decision
	// Mode names the policy in logs and metrics.
	Mode() string
}

// Degradation modes.
const (
	ModeFailOpen   = "fail_open"
	ModeFailClosed = "fail_closed"
	ModeFailLocal  = "fail_local"
)

// FailOpen admits every request while the store is down.
type FailOpen struct{}

// OnStoreFailure implements Policy.
func (FailOpen) OnStoreFailure(_ context.Context, _ string, capacity, windowSeconds int, now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     capacity,
		Remaining: capacity,
		Reset:     now.Add(time.Duration(windowSeconds) * time.Second),
		Degraded:  true,
	}
}

// Mode implements Policy.
func (FailOpen) Mode() string { return ModeFailOpen }

// FailClosed rejects every request while the store is down.
type FailClosed struct{}

// OnStoreFailure implements Policy.
func (FailClosed) OnStoreFailure(_ context.Context, _ string, capacity, windowSeconds int, now time.Time) Decision {
	window := time.Duration(windowSeconds) * time.Second
	return Decision{
		Allowed:    false,
		Limit:      capacity,
		Reset:      now.Add(window),
		RetryAfter: window,
		Degraded:   true,
	}
}

// Mode implements Policy.
func (FailClosed) Mode() string { return ModeFailClosed }

// FailLocal enforces limits per process from a local MemoryStore while the shared
// store is down. The local buckets are never consulted while the shared store answers,
// so each instance admits up to capacity on its own during an outage.
type FailLocal struct {
	store *MemoryStore
}

// NewFailLocal creates a FailLocal policy with an empty local store.
func NewFailLocal() *FailLocal {
	return &FailLocal{store: NewMemoryStore()}
}

// OnStoreFailure implements Policy.
func (p *FailLocal) OnStoreFailure(ctx context.Context, key string, capacity, windowSeconds int, now time.Time) Decision {
	// the caller's context may be the one that just expired
	res, err := p.store.Apply(context.WithoutCancel(ctx), key, capacity, windowSeconds, now)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("local fallback failed, admitting request")
		return FailOpen{}.OnStoreFailure(ctx, key, capacity, windowSeconds, now)
	}

	window := time.Duration(windowSeconds) * time.Second
	dec := Decision{
		Allowed:  res.Allowed,
		Limit:    capacity,
		Reset:    now.Add(window),
		Degraded: true,
	}
	if res.Allowed {
		dec.Remaining = int(math.Max(0, math.Floor(res.Tokens)))
	} else {
		dec.RetryAfter = window
	}
	return dec
}

// Mode implements Policy.
func (p *FailLocal) Mode() string { return ModeFailLocal }

// Store exposes the local buckets, mainly for sweeping.
func (p *FailLocal) Store() *MemoryStore { return p.store }
