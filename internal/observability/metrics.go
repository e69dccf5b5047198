package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency window stages.
const (
	StageAuth               = "auth"
	StageUpstreamConnect    = "upstream_connect"
	StageToolCall           = "tool_call"
	StageFirstUpstreamAudio = "first_upstream_audio"
)

// Metrics groups all Prometheus instruments used by the relay. Every method is
// safe on a nil receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveConnections prometheus.Gauge
	ConnectionEvents  *prometheus.CounterVec
	PhaseTransitions  *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ToolCallLatency   prometheus.Histogram
	UpstreamConnect   prometheus.Histogram
	UpstreamErrors    *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicerelay"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		stages:   newStageWindow(256),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live relay connections.",
		}),
		ConnectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Orchestrator phase transitions.",
		}, []string{"from", "to"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_latency_ms",
			Help:      "Tool gateway call latency in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		UpstreamConnect: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_latency_ms",
			Help:      "Upstream channel connect and handshake latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream errors by code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.ConnectionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) ConnectionClosed(event string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.ConnectionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePhase(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolCallLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageToolCall, durationMS(d))
}

func (m *Metrics) ObserveUpstreamConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamConnect.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageUpstreamConnect, durationMS(d))
}

func (m *Metrics) ObserveUpstreamError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.UpstreamErrors.WithLabelValues(code).Inc()
}

// ObserveStage records a latency sample in the rolling window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, durationMS(d))
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
