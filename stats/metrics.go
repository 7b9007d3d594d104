package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheResults counts proxied responses by source ("l1-cache", "l2-cache", "api")
	CacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_proxy_cache_results_total",
			Help: "Proxied responses by cache source",
		},
		[]string{"source"},
	)

	// CacheErrors counts shared-cache operations that degraded to miss/no-op
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_proxy_cache_errors_total",
			Help: "Shared cache operation errors",
		},
		[]string{"operation"}, // "get", "set"
	)

	// RateLimitDecisions counts limiter outcomes by caller class
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_proxy_rate_limit_decisions_total",
			Help: "Rate limiter decisions by caller class and outcome",
		},
		[]string{"class", "outcome"},
	)

	// UpstreamRequests counts upstream calls by status class
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_proxy_upstream_requests_total",
			Help: "Upstream catalog API calls by status class",
		},
		[]string{"upstream", "status"},
	)

	// UpstreamLatency observes upstream call latency
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_proxy_upstream_duration_seconds",
			Help:    "Upstream catalog API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)

	// AuthFailures counts responses classified as session expiry
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_proxy_auth_failures_total",
			Help: "Upstream responses classified as session-credential expiry",
		},
		[]string{"upstream"},
	)

	// Notifications counts operator notification attempts
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_proxy_notifications_total",
			Help: "Session-expiry notification attempts",
		},
		[]string{"outcome"},
	)

	// RetryQueueOps counts retry queue operations
	RetryQueueOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_proxy_retry_queue_operations_total",
			Help: "Retry queue enqueue and replay outcomes",
		},
		[]string{"operation"},
	)

	// RetryQueueDepth tracks the last observed queue depth
	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_proxy_retry_queue_depth",
			Help: "Items waiting in the retry queue",
		},
	)
)
