package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// ValidateLimit rejects non-positive capacity or window values.
func ValidateLimit(capacity, windowSeconds int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity %d must be positive", ErrInvalidConfig, capacity)
	}
	if windowSeconds <= 0 {
		return fmt.Errorf("%w: window %ds must be positive", ErrInvalidConfig, windowSeconds)
	}
	return nil
}

// Refill returns the token count of state at now.
// Stored tokens are clamped into [0, capacity] first and a negative elapsed time
// (clock skew or a tampered last_refill) adds nothing.
func Refill(state BucketState, capacity, windowSeconds int, now time.Time) float64 {
	limit := float64(capacity)
	tokens := math.Min(math.Max(state.Tokens, 0), limit)

	elapsed := math.Max(0, now.Sub(state.LastRefill).Seconds())
	return math.Min(limit, tokens+elapsed*limit/float64(windowSeconds))
}

// Evaluate runs one token bucket step. exists is false for a key never seen or expired.
// When the token is not available the returned state is the input state: denials never mutate.
// limiter.lua implements the same steps inside Redis.
func Evaluate(state BucketState, exists bool, capacity, windowSeconds int, now time.Time) (BucketState, float64, bool) {
	if !exists {
		state = BucketState{Tokens: float64(capacity), LastRefill: now}
	}

	after := Refill(state, capacity, windowSeconds, now) - 1
	if after < 0 {
		return state, after, false
	}
	return BucketState{Tokens: after, LastRefill: now}, after, true
}

// Engine turns Store results into Decisions. It holds no per-key state.
type Engine struct {
	store        Store
	now          func() time.Time
	timeout      time.Duration
	preciseRetry bool
}

// NewEngine creates an Engine. A nil clock defaults to time.Now and a non-positive
// timeout to DefaultOperationTimeout.
func NewEngine(store Store, now func() time.Time, timeout time.Duration) *Engine {
	if store == nil {
		panic("limiter: store cannot be nil")
	}
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &Engine{store: store, now: now, timeout: timeout}
}

// Check consumes one token for key. Store failures are returned wrapping ErrStoreUnavailable.
func (e *Engine) Check(ctx context.Context, key string, capacity, windowSeconds int) (Decision, error) {
	return e.check(ctx, key, capacity, windowSeconds, e.now())
}

func (e *Engine) check(ctx context.Context, key string, capacity, windowSeconds int, now time.Time) (Decision, error) {
	if err := ValidateLimit(capacity, windowSeconds); err != nil {
		return Decision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.store.Apply(ctx, key, capacity, windowSeconds, now)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return Decision{}, err
	}

	window := time.Duration(windowSeconds) * time.Second
	dec := Decision{
		Allowed: res.Allowed,
		Limit:   capacity,
		Reset:   now.Add(window),
	}
	if res.Allowed {
		dec.Remaining = int(math.Max(0, math.Floor(res.Tokens)))
		log.Debug().Str("key", key).Float64("tokens", res.Tokens).Int("capacity", capacity).Msg("request allowed")
		return dec, nil
	}

	dec.RetryAfter = window
	if e.preciseRetry {
		dec.RetryAfter = untilNextToken(res.Tokens, capacity, windowSeconds)
	}
	log.Debug().Str("key", key).Float64("tokens", res.Tokens).Int("capacity", capacity).Msg("request denied")
	return dec, nil
}

// untilNextToken converts the token deficit of a denied check into whole seconds, at least one.
func untilNextToken(after float64, capacity, windowSeconds int) time.Duration {
	deficit := -after
	secs := math.Ceil(deficit * float64(windowSeconds) / float64(capacity))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
