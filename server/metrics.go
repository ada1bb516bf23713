package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes used as the "outcome" label.
const (
	outcomeOK             = "ok"
	outcomeNailFailed     = "nail_failed"
	outcomeNotFound       = "not_found"
	outcomeLoadError      = "load_error"
	outcomeShapeError     = "shape_error"
	outcomeProtocolError  = "protocol_error"
	outcomeTransportError = "transport_error"
	outcomeDisconnected   = "disconnected"
	outcomeRejected       = "rejected"
)

type metrics struct {
	registry *prometheus.Registry

	sessions *prometheus.CounterVec
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	running  *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nailgun",
			Name:      "sessions_total",
			Help:      "Client sessions handled, by outcome",
		}, []string{"outcome"}),
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nailgun",
			Subsystem: "nail",
			Name:      "started_total",
			Help:      "Nail invocations started",
		}, []string{"nail"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nailgun",
			Subsystem: "nail",
			Name:      "finished_total",
			Help:      "Nail invocations finished",
		}, []string{"nail"}),
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nailgun",
			Subsystem: "nail",
			Name:      "running",
			Help:      "Nail invocations in progress",
		}, []string{"nail"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nailgun",
			Subsystem: "nail",
			Name:      "duration_seconds",
			Help:      "Nail invocation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"nail"}),
	}
}

func (m *metrics) Started(name string) {
	m.started.WithLabelValues(name).Inc()
	m.running.WithLabelValues(name).Inc()
}

func (m *metrics) Finished(name string, elapsed time.Duration) {
	m.finished.WithLabelValues(name).Inc()
	m.running.WithLabelValues(name).Dec()
	m.duration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *metrics) session(outcome string) {
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
