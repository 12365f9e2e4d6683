package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_frames_total",
			Help: "Total number of websocket frames by type and direction",
		},
		[]string{"type", "direction"},
	)
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_duration_seconds",
			Help:    "End-to-end pipeline latency by intent",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"intent"},
	)
	PipelineFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_fallbacks_total",
			Help: "Fallback envelopes emitted by intent",
		},
		[]string{"intent"},
	)

	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_requests_total",
			Help: "Total model invocations by dialect and tier",
		},
		[]string{"dialect", "tier"},
	)
	ModelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_request_duration_seconds",
			Help:    "Model invocation duration",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"dialect", "tier"},
	)

	ToolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_invocations_total",
			Help: "Tool RPC invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 open, 2 half-open)",
		},
		[]string{"service"},
	)

	SessionRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_rate_limited_total",
			Help: "Messages refused by the per-session rate limiter",
		},
	)

	SessionsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_swept_total",
			Help: "Sessions removed by the sweeper",
		},
	)
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions currently bound to live connections",
		},
	)

	AnalyticsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_events_total",
			Help: "Analytics events by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

// InitMetrics registers all Prometheus instruments once per process.
func InitMetrics() {
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(PipelineDuration)
	prometheus.MustRegister(PipelineFallbacksTotal)
	prometheus.MustRegister(ModelRequestsTotal)
	prometheus.MustRegister(ModelRequestDuration)
	prometheus.MustRegister(ToolInvocationsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(SessionRateLimitedTotal)
	prometheus.MustRegister(SessionsSweptTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(AnalyticsEventsTotal)
}
