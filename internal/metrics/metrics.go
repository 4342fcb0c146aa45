// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// outcome: owner, member, denied, error
	AccessResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadmap_access_resolutions_total",
			Help: "Access resolutions by outcome",
		},
		[]string{"outcome"},
	)

	MemberLookupRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roadmap_member_lookup_retries_total",
			Help: "Member lookups retried while waiting for an invitation to land",
		},
	)

	// type: insert, update, delete; result: applied, dropped
	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadmap_feed_events_total",
			Help: "Change feed events received by open dashboards",
		},
		[]string{"type", "result"},
	)

	FeedReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadmap_feed_reconnects_total",
			Help: "Change feed reconnect attempts",
		},
		[]string{"source"},
	)

	OpenDashboards = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roadmap_open_dashboards",
			Help: "Dashboards currently open",
		},
	)

	// result: applied, noop, denied, invalid, failed
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadmap_status_transitions_total",
			Help: "Node status transitions by target status and result",
		},
		[]string{"target", "result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "status"},
	)
)

func RecordFeedEvent(eventType string, applied bool) {
	result := "dropped"
	if applied {
		result = "applied"
	}
	FeedEvents.WithLabelValues(eventType, result).Inc()
}

func RecordStatusTransition(target, result string) {
	StatusTransitions.WithLabelValues(target, result).Inc()
}

func RecordHTTPRequestDuration(method, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}
