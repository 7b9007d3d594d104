package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source labels where a proxied response came from
const (
	SourceL1  = "l1-cache"
	SourceL2  = "l2-cache"
	SourceAPI = "api"
)

// Stats holds all server statistics with atomic counters
type Stats struct {
	StartTime time.Time

	// Request counters
	TotalRequests  atomic.Int64
	ProxyRequests  atomic.Int64
	AdminRequests  atomic.Int64
	HealthRequests atomic.Int64
	OtherRequests  atomic.Int64

	// Cache tiers
	L1Hits      atomic.Int64
	L2Hits      atomic.Int64
	CacheMisses atomic.Int64
	CacheErrors atomic.Int64

	// Rate limiting
	RateLimitAllowed  atomic.Int64
	RateLimitExceeded atomic.Int64
	RateLimitErrors   atomic.Int64

	// Upstream
	UpstreamCalls  atomic.Int64
	UpstreamErrors atomic.Int64
	AuthFailures   atomic.Int64
	CircuitRejects atomic.Int64

	// Token-expiry pipeline
	NotificationsSent   atomic.Int64
	NotificationsFailed atomic.Int64
	RetryEnqueued       atomic.Int64
	RetryEnqueueFailed  atomic.Int64
	RetryReplayed       atomic.Int64
	RetryReplayFailed   atomic.Int64

	// Response status codes
	Status2xx atomic.Int64
	Status4xx atomic.Int64
	Status5xx atomic.Int64

	// Response time tracking (microseconds)
	totalResponseTime atomic.Int64
	responseCount     atomic.Int64
	minResponseTime   atomic.Int64
	maxResponseTime   atomic.Int64

	upstreamCalls sync.Map // upstream name -> *atomic.Int64
}

const noMin = int64(^uint64(0) >> 1)

// New creates an empty stats instance
func New() *Stats {
	s := &Stats{StartTime: time.Now()}
	s.minResponseTime.Store(noMin)
	return s
}

var global = New()

// Get returns the process-wide stats instance
func Get() *Stats {
	return global
}

// RecordRequest buckets a request by route class
func (s *Stats) RecordRequest(class string) {
	s.TotalRequests.Add(1)
	switch class {
	case "proxy":
		s.ProxyRequests.Add(1)
	case "admin":
		s.AdminRequests.Add(1)
	case "health":
		s.HealthRequests.Add(1)
	default:
		s.OtherRequests.Add(1)
	}
}

// RecordCacheResult records where a proxied response was served from
func (s *Stats) RecordCacheResult(source string) {
	switch source {
	case SourceL1:
		s.L1Hits.Add(1)
	case SourceL2:
		s.L2Hits.Add(1)
	default:
		s.CacheMisses.Add(1)
	}
	CacheResults.WithLabelValues(source).Inc()
}

// RecordCacheError records a degraded shared-cache operation
func (s *Stats) RecordCacheError(op string) {
	s.CacheErrors.Add(1)
	CacheErrors.WithLabelValues(op).Inc()
}

// RecordRateLimit records a limiter decision for a caller class
func (s *Stats) RecordRateLimit(class string, allowed bool) {
	outcome := "allowed"
	if allowed {
		s.RateLimitAllowed.Add(1)
	} else {
		s.RateLimitExceeded.Add(1)
		outcome = "exceeded"
	}
	RateLimitDecisions.WithLabelValues(class, outcome).Inc()
}

// RecordRateLimitError records a limiter backend failure (request was let through)
func (s *Stats) RecordRateLimitError() {
	s.RateLimitErrors.Add(1)
	RateLimitDecisions.WithLabelValues("any", "error").Inc()
}

// RecordUpstreamCall records an upstream call and its outcome
func (s *Stats) RecordUpstreamCall(upstream string, status int, d time.Duration) {
	s.UpstreamCalls.Add(1)
	v, _ := s.upstreamCalls.LoadOrStore(upstream, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
	if status == 0 || status >= 400 {
		s.UpstreamErrors.Add(1)
	}
	UpstreamRequests.WithLabelValues(upstream, statusClass(status)).Inc()
	UpstreamLatency.WithLabelValues(upstream).Observe(d.Seconds())
}

// RecordAuthFailure records an upstream session-expiry classification
func (s *Stats) RecordAuthFailure(upstream string) {
	s.AuthFailures.Add(1)
	AuthFailures.WithLabelValues(upstream).Inc()
}

// RecordCircuitReject records a call blocked by an open breaker
func (s *Stats) RecordCircuitReject(upstream string) {
	s.CircuitRejects.Add(1)
	UpstreamRequests.WithLabelValues(upstream, "circuit_open").Inc()
}

// RecordNotification records a best-effort notification attempt
func (s *Stats) RecordNotification(ok bool) {
	if ok {
		s.NotificationsSent.Add(1)
		Notifications.WithLabelValues("sent").Inc()
		return
	}
	s.NotificationsFailed.Add(1)
	Notifications.WithLabelValues("failed").Inc()
}

// RecordEnqueue records a retry-queue enqueue attempt
func (s *Stats) RecordEnqueue(ok bool) {
	if ok {
		s.RetryEnqueued.Add(1)
		RetryQueueOps.WithLabelValues("enqueued").Inc()
		return
	}
	s.RetryEnqueueFailed.Add(1)
	RetryQueueOps.WithLabelValues("enqueue_failed").Inc()
}

// RecordReplay records the outcome of a single-attempt replay
func (s *Stats) RecordReplay(ok bool) {
	if ok {
		s.RetryReplayed.Add(1)
		RetryQueueOps.WithLabelValues("replayed").Inc()
		return
	}
	s.RetryReplayFailed.Add(1)
	RetryQueueOps.WithLabelValues("replay_failed").Inc()
}

// RecordStatusCode records a response status code
func (s *Stats) RecordStatusCode(code int) {
	switch {
	case code >= 200 && code < 300:
		s.Status2xx.Add(1)
	case code >= 400 && code < 500:
		s.Status4xx.Add(1)
	case code >= 500:
		s.Status5xx.Add(1)
	}
}

// RecordResponseTime records a response time
func (s *Stats) RecordResponseTime(duration time.Duration) {
	us := duration.Microseconds()

	s.totalResponseTime.Add(us)
	s.responseCount.Add(1)

	for {
		current := s.minResponseTime.Load()
		if us >= current || s.minResponseTime.CompareAndSwap(current, us) {
			break
		}
	}
	for {
		current := s.maxResponseTime.Load()
		if us <= current || s.maxResponseTime.CompareAndSwap(current, us) {
			break
		}
	}
}

// Uptime returns the server uptime
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// CacheHitRate returns the combined L1+L2 hit rate as a percentage
func (s *Stats) CacheHitRate() float64 {
	hits := s.L1Hits.Load() + s.L2Hits.Load()
	total := hits + s.CacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// AvgResponseTime returns the average response time
func (s *Stats) AvgResponseTime() time.Duration {
	count := s.responseCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(s.totalResponseTime.Load()/count) * time.Microsecond
}

// MinResponseTime returns the minimum response time
func (s *Stats) MinResponseTime() time.Duration {
	min := s.minResponseTime.Load()
	if min == noMin {
		return 0
	}
	return time.Duration(min) * time.Microsecond
}

// MaxResponseTime returns the maximum response time
func (s *Stats) MaxResponseTime() time.Duration {
	return time.Duration(s.maxResponseTime.Load()) * time.Microsecond
}

// UpstreamCallsSnapshot returns per-upstream call counts
func (s *Stats) UpstreamCallsSnapshot() map[string]int64 {
	out := make(map[string]int64)
	s.upstreamCalls.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// counters names every cumulative counter, used by Snapshot and the Store
func (s *Stats) counters() map[string]*atomic.Int64 {
	return map[string]*atomic.Int64{
		"total_requests":       &s.TotalRequests,
		"proxy_requests":       &s.ProxyRequests,
		"admin_requests":       &s.AdminRequests,
		"health_requests":      &s.HealthRequests,
		"other_requests":       &s.OtherRequests,
		"l1_hits":              &s.L1Hits,
		"l2_hits":              &s.L2Hits,
		"cache_misses":         &s.CacheMisses,
		"cache_errors":         &s.CacheErrors,
		"rate_limit_allowed":   &s.RateLimitAllowed,
		"rate_limit_exceeded":  &s.RateLimitExceeded,
		"rate_limit_errors":    &s.RateLimitErrors,
		"upstream_calls":       &s.UpstreamCalls,
		"upstream_errors":      &s.UpstreamErrors,
		"auth_failures":        &s.AuthFailures,
		"circuit_rejects":      &s.CircuitRejects,
		"notifications_sent":   &s.NotificationsSent,
		"notifications_failed": &s.NotificationsFailed,
		"retry_enqueued":       &s.RetryEnqueued,
		"retry_enqueue_failed": &s.RetryEnqueueFailed,
		"retry_replayed":       &s.RetryReplayed,
		"retry_replay_failed":  &s.RetryReplayFailed,
		"status_2xx":           &s.Status2xx,
		"status_4xx":           &s.Status4xx,
		"status_5xx":           &s.Status5xx,
		"total_response_time":  &s.totalResponseTime,
		"response_count":       &s.responseCount,
	}
}

// Snapshot returns a point-in-time snapshot of all stats
func (s *Stats) Snapshot() map[string]interface{} {
	uptime := s.Uptime()

	return map[string]interface{}{
		"server": map[string]interface{}{
			"start_time":     s.StartTime.Format(time.RFC3339),
			"uptime":         uptime.String(),
			"uptime_seconds": int64(uptime.Seconds()),
		},
		"requests": map[string]interface{}{
			"total":  s.TotalRequests.Load(),
			"proxy":  s.ProxyRequests.Load(),
			"admin":  s.AdminRequests.Load(),
			"health": s.HealthRequests.Load(),
			"other":  s.OtherRequests.Load(),
		},
		"cache": map[string]interface{}{
			"l1_hits":  s.L1Hits.Load(),
			"l2_hits":  s.L2Hits.Load(),
			"misses":   s.CacheMisses.Load(),
			"errors":   s.CacheErrors.Load(),
			"hit_rate": s.CacheHitRate(),
		},
		"rate_limiting": map[string]interface{}{
			"allowed":  s.RateLimitAllowed.Load(),
			"exceeded": s.RateLimitExceeded.Load(),
			"errors":   s.RateLimitErrors.Load(),
		},
		"upstream": map[string]interface{}{
			"calls":           s.UpstreamCalls.Load(),
			"errors":          s.UpstreamErrors.Load(),
			"auth_failures":   s.AuthFailures.Load(),
			"circuit_rejects": s.CircuitRejects.Load(),
			"by_upstream":     s.UpstreamCallsSnapshot(),
		},
		"token_expiry": map[string]interface{}{
			"notifications_sent":   s.NotificationsSent.Load(),
			"notifications_failed": s.NotificationsFailed.Load(),
			"retry_enqueued":       s.RetryEnqueued.Load(),
			"retry_enqueue_failed": s.RetryEnqueueFailed.Load(),
			"retry_replayed":       s.RetryReplayed.Load(),
			"retry_replay_failed":  s.RetryReplayFailed.Load(),
		},
		"responses": map[string]interface{}{
			"2xx": s.Status2xx.Load(),
			"4xx": s.Status4xx.Load(),
			"5xx": s.Status5xx.Load(),
		},
		"response_times": map[string]interface{}{
			"avg": s.AvgResponseTime().String(),
			"min": s.MinResponseTime().String(),
			"max": s.MaxResponseTime().String(),
		},
	}
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
