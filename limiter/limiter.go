package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Extractor resolves the identity value for a dimension (client ip or user id) from the context.
// It returns "" when the value is unknown.
type Extractor func(ctx context.Context, dim Dimension) string

// RateLimiter composes key building, the token bucket engine, the store and the
// degradation policy. It holds no bucket state; the store is the only shared resource.
type RateLimiter struct {
	engine       *Engine
	policy       Policy
	now          func() time.Time
	recorder     Recorder
	rules        []Rule
	extractValue Extractor

	breaker      time.Duration
	mu           sync.Mutex
	breakerUntil time.Time
}

// New creates a RateLimiter over store. The store handle is owned by the caller.
func New(store Store, opts ...Option) *RateLimiter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	engine := NewEngine(store, o.now, o.timeout)
	engine.preciseRetry = o.preciseRetry

	return &RateLimiter{
		engine:       engine,
		policy:       o.policy,
		now:          o.now,
		recorder:     o.recorder,
		rules:        o.rules,
		extractValue: o.extractor,
		breaker:      o.breaker,
	}
}

// SetExtractor sets the function to extract identifier values from the context.
func (rl *RateLimiter) SetExtractor(extractor Extractor) {
	rl.extractValue = extractor
}

// Policy returns the degradation policy in use.
func (rl *RateLimiter) Policy() Policy {
	return rl.policy
}

// Check consumes one token from the bucket at key.
// The only error is ErrInvalidConfig for non-positive capacity or window. Store
// failures and timeouts resolve through the degradation policy and come back as a
// Decision with Degraded set.
func (rl *RateLimiter) Check(ctx context.Context, key string, capacity, windowSeconds int) (Decision, error) {
	if err := ValidateLimit(capacity, windowSeconds); err != nil {
		return Decision{}, err
	}

	start := time.Now()
	now := rl.now()

	var (
		dec Decision
		err error
	)
	if rl.breakerActive(now) {
		dec = rl.degrade(ctx, key, capacity, windowSeconds, now, errBreakerOpen)
	} else if dec, err = rl.engine.check(ctx, key, capacity, windowSeconds, now); err != nil {
		if !callerGone(ctx) {
			rl.recorder.RecordStoreError(rl.policy.Mode())
			rl.tripBreaker(err, now)
		}
		dec = rl.degrade(ctx, key, capacity, windowSeconds, now, err)
	}

	rl.recorder.RecordCheck(Outcome(dec), time.Since(start))
	return dec, nil
}

// Allow builds the key for dim from id and resource, then checks it.
func (rl *RateLimiter) Allow(ctx context.Context, dim Dimension, id Identity, resource string, capacity, windowSeconds int) (Decision, error) {
	return rl.Check(ctx, KeyFor(dim, id, resource), capacity, windowSeconds)
}

// Limit applies every rule matching path. It returns the first denial, otherwise the
// allowed decision with the fewest remaining tokens. matched is false when no rule applies.
func (rl *RateLimiter) Limit(ctx context.Context, path string) (dec Decision, matched bool, err error) {
	if rl.extractValue == nil {
		log.Error().Msg("extractor function not set, cannot limit requests")
		return Decision{Allowed: true}, false, nil
	}

	for i := range rl.rules {
		rule := &rl.rules[i]
		if !rule.Matches(path) {
			continue
		}
		log.Debug().Str("path", path).Str("rule_path", rule.Path).Msg("matched rule")

		id := Identity{
			UserID: rl.extractValue(ctx, DimensionUser),
			IP:     rl.extractValue(ctx, DimensionIP),
		}
		if id.UserID == "" && id.IP == "" {
			log.Debug().Str("rule_path", rule.Path).Str("strategy", string(rule.Strategy)).Msg("identifier values missing, skipping rule")
			continue
		}

		ruleDec, errCheck := rl.Allow(ctx, rule.Strategy, id, path, rule.Capacity, rule.WindowSeconds)
		if errCheck != nil {
			return Decision{}, true, errCheck
		}
		if !ruleDec.Allowed {
			log.Warn().Str("path", path).Str("rule_path", rule.Path).Int("capacity", rule.Capacity).Int("window", rule.WindowSeconds).Msg("rate limit triggered for rule")
			return ruleDec, true, nil
		}
		if !matched || ruleDec.Remaining < dec.Remaining {
			dec = ruleDec
		}
		matched = true
	}

	if !matched {
		return Decision{Allowed: true}, false, nil
	}
	return dec, true, nil
}

// Health pings the store within the operation timeout.
func (rl *RateLimiter) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rl.engine.timeout)
	defer cancel()
	return rl.engine.store.Ping(ctx)
}

var errBreakerOpen = errors.New("limiter: store breaker open")

// callerGone reports whether the caller cancelled ctx itself. Such failures say
// nothing about the store and must not count against it. The operation timeout is
// derived inside the engine, so it never shows up here.
func callerGone(ctx context.Context) bool {
	err := ctx.Err()
	return err != nil && !errors.Is(err, context.DeadlineExceeded)
}

// degrade resolves a failed check through the policy and logs the degraded-mode event.
func (rl *RateLimiter) degrade(ctx context.Context, key string, capacity, windowSeconds int, now time.Time, cause error) Decision {
	dec := rl.policy.OnStoreFailure(ctx, key, capacity, windowSeconds, now)
	dec.Degraded = true

	log.Warn().Err(cause).
		Str("key", key).
		Str("mode", rl.policy.Mode()).
		Bool("degraded", true).
		Bool("allowed", dec.Allowed).
		Msg("rate limit store unavailable, decision from degradation policy")
	return dec
}

func (rl *RateLimiter) breakerActive(now time.Time) bool {
	if rl.breaker <= 0 {
		return false
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.breakerUntil.IsZero() {
		return false
	}
	if now.Before(rl.breakerUntil) {
		return true
	}
	rl.breakerUntil = time.Time{}
	return false
}

func (rl *RateLimiter) tripBreaker(err error, now time.Time) {
	if rl.breaker <= 0 || err == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.breakerUntil.IsZero() && now.Before(rl.breakerUntil) {
		return
	}
	rl.breakerUntil = now.Add(rl.breaker)
	log.Warn().Err(err).Dur("cooldown", rl.breaker).Msg("rate limit store breaker tripped")
}
