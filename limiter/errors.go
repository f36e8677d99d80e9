package limiter

import "errors"

var (
	// ErrInvalidConfig is returned for non-positive capacity or window values.
	// It is a caller bug and is never coerced into "no limit".
	ErrInvalidConfig = errors.New("limiter: invalid configuration")
	// ErrStoreUnavailable marks a transport, timeout or protocol failure of the backing store.
	// RateLimiter absorbs it through the degradation policy; Engine returns it as is.
	ErrStoreUnavailable = errors.New("limiter: store unavailable")
)
