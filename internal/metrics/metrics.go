// Package metrics provides Prometheus instrumentation for the shop session
// service. It exposes counters for session operations and lifecycle events,
// and histograms for store and HTTP latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionOps counts session manager operations, labeled by op
	// ("create", "get", "refresh", "delete", "by_token") and result
	// ("ok", "not_found", "error").
	SessionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_session_operations_total",
		Help: "Total number of session operations",
	}, []string{"op", "result"})

	// StoreLatency records the Redis round trip per session operation.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shop_session_store_latency_seconds",
		Help:    "Session store round trip latency in seconds",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"op"})

	// EventsPublished counts lifecycle events handed to the event bus,
	// labeled by type and result ("ok", "error").
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_session_events_published_total",
		Help: "Total number of session lifecycle events published",
	}, []string{"type", "result"})

	// EventsRecorded counts lifecycle events written to the event log.
	EventsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_session_events_recorded_total",
		Help: "Total number of session lifecycle events written to the event log",
	}, []string{"type", "result"})

	// EventLogPurged counts event log rows removed by retention.
	EventLogPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shop_event_log_purged_total",
		Help: "Total number of event log rows removed by retention",
	})

	// RateLimited counts requests rejected by the rate limiter, per rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"rule"})

	// HTTPRequests counts HTTP requests by route pattern and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"route", "code"})

	// HTTPLatency records HTTP handler latency by route pattern.
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shop_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// StreamClients tracks the current number of live event stream clients.
	StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shop_event_stream_clients",
		Help: "Current number of connected event stream clients",
	})
)

func init() {
	prometheus.MustRegister(
		SessionOps,
		StoreLatency,
		EventsPublished,
		EventsRecorded,
		EventLogPurged,
		RateLimited,
		HTTPRequests,
		HTTPLatency,
		StreamClients,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
