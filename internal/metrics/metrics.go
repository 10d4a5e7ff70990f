// Package metrics provides Prometheus instrumentation for the rooms client.
// It counts channel traffic and reconnects, request/response latency, and how
// often the sync engine falls back or discards stale results.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelConnected is 1 while the persistent channel is up.
	ChannelConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_channel_connected",
		Help: "Whether the persistent channel is currently connected",
	})

	// ReconnectsTotal counts successful channel reconnects.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_channel_reconnects_total",
		Help: "Total number of successful channel reconnects",
	})

	// EventsTotal counts inbound push events, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_events_received_total",
		Help: "Total number of push events received",
	}, []string{"type"})

	// EmitsTotal counts outbound assertions, labeled by type and result
	// ("ok", "error", "deferred").
	EmitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_assertions_emitted_total",
		Help: "Total number of outbound assertions",
	}, []string{"type", "result"})

	// RequestLatency records request/response latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomchat_request_latency_seconds",
		Help:    "Request/response service latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"endpoint"})

	// RequestErrors counts failed requests, labeled by endpoint.
	RequestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_request_errors_total",
		Help: "Total number of failed request/response calls",
	}, []string{"endpoint"})

	// PullFallbacks counts pulls that fell back to a simpler endpoint.
	PullFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_pull_fallbacks_total",
		Help: "Total number of pulls served by a fallback endpoint",
	}, []string{"resource"})

	// StaleResults counts pull results discarded because a newer one won.
	StaleResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_stale_results_total",
		Help: "Total number of pull results discarded as stale",
	}, []string{"store"})
)

func init() {
	prometheus.MustRegister(
		ChannelConnected,
		ReconnectsTotal,
		EventsTotal,
		EmitsTotal,
		RequestLatency,
		RequestErrors,
		PullFallbacks,
		StaleResults,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
