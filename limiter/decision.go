package limiter

import "time"

// Decision is the outcome of a single check. It is never persisted.
type Decision struct {
	Allowed    bool
	Limit      int           // bucket capacity
	Remaining  int           // whole tokens left after this check, never negative
	Reset      time.Time     // now + window
	RetryAfter time.Duration // zero when allowed
	Degraded   bool          // true when produced by the degradation policy instead of the store
}

// ResetUnix returns Reset as unix seconds, the form used by X-RateLimit-Reset.
func (d Decision) ResetUnix() int64 {
	return d.Reset.Unix()
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	secs := int64(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}
