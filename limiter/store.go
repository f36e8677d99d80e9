package limiter

import (
	"context"
	"time"
)

// Store defines the interface for storing and checking token bucket states.
type Store interface {
	// Apply refills the bucket at key, tentatively consumes one token and persists the
	// result only when the token was available. The whole read-refill-consume-write cycle
	// (including the TTL refresh to 2 × windowSeconds) must be a single atomic operation
	// on the store.
	//
	// now is the caller's clock reading; stores never consult their own clock for refill math.
	// Failures must wrap ErrStoreUnavailable.
	Apply(ctx context.Context, key string, capacity, windowSeconds int, now time.Time) (ApplyResult, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// ApplyResult is the outcome of one atomic Apply.
type ApplyResult struct {
	Tokens  float64 // tokens left after the tentative consumption; negative when denied
	Allowed bool
}

// BucketState is the persisted state of one key.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}
