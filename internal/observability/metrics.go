package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	AdapterErrors     *prometheus.CounterVec
	PersistErrors     prometheus.Counter
	TaskTransitions   *prometheus.CounterVec
	FirstDeltaLatency prometheus.Histogram

	turns *TurnWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active assistant sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by classified intent and outcome.",
		}, []string{"intent", "outcome"}),
		AdapterErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Brain adapter errors by adapter and code.",
		}, []string{"adapter", "code"}),
		PersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed background writes to the blob store.",
		}),
		TaskTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task store mutations by kind.",
		}, []string{"event"}),
		FirstDeltaLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from utterance to first streamed reply text in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3200},
		}),
		turns: NewTurnWindow(256),
	}
}

// ObserveTurn counts a finished turn and adds it to the latency window.
func (m *Metrics) ObserveTurn(s TurnSample) {
	intent := s.Intent
	if intent == "" {
		intent = "unknown"
	}
	m.Turns.WithLabelValues(intent, s.Outcome).Inc()
	if s.Streamed {
		m.FirstDeltaLatency.Observe(float64(s.FirstDelta.Milliseconds()))
	}
	m.turns.Record(s)
}

func (m *Metrics) TurnSnapshot() TurnSnapshot {
	return m.turns.Snapshot()
}

func (m *Metrics) ResetTurnWindow() {
	m.turns.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
