package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	HandshakeFailures *prometheus.CounterVec
	CallOutcomes      *prometheus.CounterVec
	IntakeResponses   *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	CallDuration      prometheus.Histogram
	ModelLoad         prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of registered media stream connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Call session lifecycle events by type.",
		}, []string{"event"}),
		HandshakeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Media stream handshake failures by reason.",
		}, []string{"reason"}),
		CallOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Terminal call outcomes.",
		}, []string{"outcome"}),
		IntakeResponses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_responses_total",
			Help:      "Call intake responses by mode and result.",
		}, []string{"mode", "result"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Hosted service errors by provider and code.",
		}, []string{"provider", "code"}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Wall-clock duration of registered calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		ModelLoad: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_seconds",
			Help:      "Time spent building the shared speech model.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
	}
}

func (m *Metrics) ObserveCallDuration(d time.Duration) {
	m.CallDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveModelLoad(d time.Duration) {
	m.ModelLoad.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
