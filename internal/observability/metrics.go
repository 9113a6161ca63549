package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	LegFrames         *prometheus.CounterVec
	LegStates         *prometheus.CounterVec
	JitterEvents      *prometheus.CounterVec
	QueueEvents       *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	AIConnectFailures *prometheus.CounterVec
	LegRTT            *prometheus.HistogramVec
	AIConnectLatency  prometheus.Histogram

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live call sessions.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call session events by type.",
		}, []string{"event"}),
		LegFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_frames_total",
			Help:      "Frames by leg, direction and frame type.",
		}, []string{"leg", "direction", "type"}),
		LegStates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_state_transitions_total",
			Help:      "Leg connection state transitions by leg and target state.",
		}, []string{"leg", "state"}),
		JitterEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jitter_events_total",
			Help:      "Jitter buffer late drops, duplicates, overruns and underruns.",
		}, []string{"event"}),
		QueueEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_queue_events_total",
			Help:      "Outbound telemetry queue outcomes.",
		}, []string{"event"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),
		AIConnectFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_connect_failures_total",
			Help:      "AI leg connect failures by provider and kind.",
		}, []string{"provider", "kind"}),
		LegRTT: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leg_rtt_ms",
			Help:      "Ping round trip time per leg in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 150, 250, 400, 600, 1000},
		}, []string{"leg"}),
		AIConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_connect_latency_ms",
			Help:      "Time to establish the AI leg in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		window: newLatencyWindow(512),
	}
}

func (m *Metrics) ObserveRTT(legName string, d time.Duration) {
	m.LegRTT.WithLabelValues(legName).Observe(float64(d.Milliseconds()))
	switch legName {
	case "pstn":
		m.window.Observe(StagePSTNRTT, d)
	case "ai":
		m.window.Observe(StageAIRTT, d)
	}
}

func (m *Metrics) ObserveAIConnect(d time.Duration) {
	m.AIConnectLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageAIConnect, d)
}

// ObserveStage records a latency sample in the sliding window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.window.Observe(stage, d)
}

// CountCallEvent increments the call event counter and the windowed event tally.
func (m *Metrics) CountCallEvent(event string) {
	m.CallEvents.WithLabelValues(event).Inc()
	m.window.Count(event)
}

func (m *Metrics) SetBreakerState(provider, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(provider).Set(v)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
