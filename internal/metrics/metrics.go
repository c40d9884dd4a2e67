// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Streamed media responses
// can stay open for minutes, hence the long tail.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	RelayedBytes       *prometheus.CounterVec
	ActiveSubprocesses prometheus.Gauge
	PlaylistRewrites   prometheus.Counter
	WebSocketSessions  prometheus.Gauge
	WebSocketFrames    *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including streamed bodies.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "media_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_relay_upstream_header_duration_seconds",
			Help:    "Time until upstream response headers (or first byte) in seconds.",
			Buckets: defaultBuckets,
		}, []string{"fetcher", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_upstream_responses_total",
			Help: "Total upstream responses by fetcher, method and status code.",
		}, []string{"fetcher", "method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_upstream_errors_total",
			Help: "Total failed upstream exchanges by fetcher and reason.",
		}, []string{"fetcher", "reason"}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_relayed_bytes_total",
			Help: "Response body bytes streamed to clients by route.",
		}, []string{"route"}),

		ActiveSubprocesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "media_relay_active_subprocesses",
			Help: "Number of running curl fetcher processes.",
		}),

		PlaylistRewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_relay_playlist_rewrites_total",
			Help: "Total HLS playlists rewritten.",
		}),

		WebSocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "media_relay_websocket_sessions",
			Help: "Number of open WebSocket relay sessions.",
		}),

		WebSocketFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_websocket_frames_total",
			Help: "WebSocket frames relayed by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.RelayedBytes,
		m.ActiveSubprocesses,
		m.PlaylistRewrites,
		m.WebSocketSessions,
		m.WebSocketFrames,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{
	"/api/v1/proxy",
	"/video-proxy",
	"/api/v1/ws",
	"/auth/callback",
	"/healthz",
	"/relay/status",
	"/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Everything not owned by the relay is forwarded to the backend.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "backend"
}
