package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	CredentialEvents *prometheus.CounterVec
	PersonaSwitches  *prometheus.CounterVec
	IngestMessages   *prometheus.CounterVec
	FunctionCalls    *prometheus.CounterVec
	DispatchLatency  prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		CredentialEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_events_total",
			Help:      "Ephemeral credential events by type.",
		}, []string{"event"}),
		PersonaSwitches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persona_switches_total",
			Help:      "Persona switches by strategy and result.",
		}, []string{"strategy", "result"}),
		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Inbound realtime messages by normalized kind.",
		}, []string{"kind"}),
		FunctionCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Dispatched function calls by function and result.",
		}, []string{"function", "result"}),
		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_ms",
			Help:      "Function dispatch execution time in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveDispatchLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	m.DispatchLatency.Observe(ms)
	m.stages.Observe("dispatch_execute", ms)
}

// ObserveStage records a named pipeline stage duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Microseconds())/1000.0)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) SetStageWindowSize(n int) {
	m.stages = newStageWindow(n)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
