// Package observability provides Prometheus metrics, HTTP metrics middleware,
// and OpenTelemetry tracing setup for toolmux.
package observability

import "github.com/prometheus/client_golang/prometheus"

// InvocationBuckets covers tool latencies from 10ms to 5 minutes.
var InvocationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts gateway HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolmux_http_requests_total",
			Help: "Gateway HTTP requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records gateway HTTP request duration by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolmux_http_request_duration_seconds",
			Help:    "Gateway HTTP request duration",
			Buckets: InvocationBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks active SSE invocation streams.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolmux_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// InvocationsTotal counts terminal invocation results by tool, server,
	// and outcome ("success" or a failure kind).
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolmux_invocations_total",
			Help: "Tool invocations by outcome",
		},
		[]string{"tool", "server", "outcome"},
	)

	// InvocationDuration records time to the terminal result.
	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolmux_invocation_duration_seconds",
			Help:    "Tool invocation duration",
			Buckets: InvocationBuckets,
		},
		[]string{"tool", "server"},
	)

	// InvocationsInFlight tracks invocations that have not reached a terminal result.
	InvocationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolmux_invocations_in_flight",
			Help: "Invocations awaiting a terminal result",
		},
	)

	// PartialsTotal counts streamed chunks relayed to callers.
	PartialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolmux_partials_total",
			Help: "Streamed partial results",
		},
		[]string{"tool"},
	)

	// AnomaliesTotal counts discarded or unexpected protocol messages.
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolmux_anomalies_total",
			Help: "Discarded or unexpected protocol messages",
		},
		[]string{"kind"},
	)

	// SessionState is 1 for the current state of each server session.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolmux_session_state",
			Help: "Current session state (1 for the active state)",
		},
		[]string{"server", "state"},
	)

	// SessionReconnectsTotal counts reconnect attempts by outcome.
	SessionReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolmux_session_reconnects_total",
			Help: "Session reconnect attempts",
		},
		[]string{"server", "outcome"},
	)

	// RegistryTools is the number of visible tools in the latest snapshot.
	RegistryTools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolmux_registry_tools",
			Help: "Visible tools in the current registry snapshot",
		},
	)

	// RegistryShadowedTools is the number of shadowed descriptors.
	RegistryShadowedTools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolmux_registry_shadowed_tools",
			Help: "Shadowed descriptors in the current registry snapshot",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolmux_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

// sessionStates lists every label value SetSessionState resets.
var sessionStates = []string{"connecting", "ready", "degraded", "closed"}

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		InvocationsTotal,
		InvocationDuration,
		InvocationsInFlight,
		PartialsTotal,
		AnomaliesTotal,
		SessionState,
		SessionReconnectsTotal,
		RegistryTools,
		RegistryShadowedTools,
		RateLimitRejectedTotal,
	)
}

// SetSessionState marks state as the only active state for server.
func SetSessionState(server, state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(server, s).Set(v)
	}
}

// Anomaly records one discarded or unexpected message.
func Anomaly(kind string) {
	AnomaliesTotal.WithLabelValues(kind).Inc()
}
