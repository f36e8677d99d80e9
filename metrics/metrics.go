// Package metrics exports limiter activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolink/throttle/limiter"
)

// Metrics implements limiter.Recorder.
type Metrics struct {
	Checks        *prometheus.CounterVec
	StoreErrors   *prometheus.CounterVec
	CheckDuration prometheus.Histogram
}

var _ limiter.Recorder = (*Metrics)(nil)

// New creates the collectors under namespace and registers them with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_checks_total",
				Help:      "Rate limit checks by outcome (allowed, denied, degraded_allowed, degraded_denied)",
			},
			[]string{"outcome"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_store_errors_total",
				Help:      "Store failures and timeouts, labelled by the degradation mode that handled them",
			},
			[]string{"mode"},
		),
		CheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ratelimit_check_duration_seconds",
				Help:      "Latency of a rate limit check including the store round trip",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
	}

	reg.MustRegister(m.Checks, m.StoreErrors, m.CheckDuration)
	return m
}

// RecordCheck implements limiter.Recorder.
func (m *Metrics) RecordCheck(outcome string, elapsed time.Duration) {
	m.Checks.WithLabelValues(outcome).Inc()
	m.CheckDuration.Observe(elapsed.Seconds())
}

// RecordStoreError implements limiter.Recorder.
func (m *Metrics) RecordStoreError(mode string) {
	m.StoreErrors.WithLabelValues(mode).Inc()
}
