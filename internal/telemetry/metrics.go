// Package telemetry exposes Prometheus metrics about engine callbacks.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks the evaluations an engine asks for.
//
// Metrics:
//   - optbridge_evaluations_total: callbacks by engine, kind and source
//   - optbridge_failed_evaluations_total: evaluations the problem marked failed
//   - optbridge_evaluation_duration_seconds: live callback latency
//   - optbridge_hot_start_exhausted_total: replayed histories that ran out
//
// Only rank 0 records, so ranks sharing one registry count each callback
// once. All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	evaluations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	exhausted   *prometheus.CounterVec
}

// New creates metrics registered with registry. A nil registry gets a fresh
// one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "optbridge",
				Name:      "evaluations_total",
				Help:      "Engine callbacks served, by engine, kind and source",
			},
			[]string{"engine", "kind", "source"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "optbridge",
				Name:      "failed_evaluations_total",
				Help:      "Evaluations the problem reported as failed",
			},
			[]string{"engine"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "optbridge",
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of live engine callbacks in seconds",
				Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
			},
			[]string{"engine", "kind"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "optbridge",
				Name:      "hot_start_exhausted_total",
				Help:      "Hot start histories replayed to the end",
			},
			[]string{"engine"},
		),
	}

	registry.MustRegister(m.evaluations, m.failures, m.duration, m.exhausted)
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordEvaluation records one callback. Latency is only observed for live
// callbacks since replays do no work.
func (m *Metrics) RecordEvaluation(engine, kind, source string, fail bool, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(engine, kind, source).Inc()
	if fail {
		m.failures.WithLabelValues(engine).Inc()
	}
	if source == "live" {
		m.duration.WithLabelValues(engine, kind).Observe(d.Seconds())
	}
}

// RecordHotStartExhausted records the switch from replay to live evaluation.
func (m *Metrics) RecordHotStartExhausted(engine string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(engine).Inc()
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
