package limiter

import "time"

// Check outcomes reported to a Recorder.
const (
	OutcomeAllowed         = "allowed"
	OutcomeDenied          = "denied"
	OutcomeDegradedAllowed = "degraded_allowed"
	OutcomeDegradedDenied  = "degraded_denied"
)

// Recorder receives one observation per check. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordCheck(outcome string, elapsed time.Duration)
	RecordStoreError(mode string)
}

// noopRecorder ensures the hot path never checks for a nil recorder.
type noopRecorder struct{}

func (noopRecorder) RecordCheck(string, time.Duration) {}
func (noopRecorder) RecordStoreError(string)           {}

// Outcome classifies a decision for metrics.
func Outcome(d Decision) string {
	switch {
	case d.Degraded && d.Allowed:
		return OutcomeDegradedAllowed
	case d.Degraded:
		return OutcomeDegradedDenied
	case d.Allowed:
		return OutcomeAllowed
	default:
		return OutcomeDenied
	}
}
