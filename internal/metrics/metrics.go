// Package metrics defines Prometheus instruments for the pricing service
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Cache tiers (bounded set)
	TierLocal  = "local"
	TierShared = "shared"

	// Provider endpoints (bounded set)
	EndpointSecLend = "seclend"
	EndpointMarket  = "market"
	EndpointEvents  = "events"

	// Upstream error categories (bounded set)
	UpstreamErrorTimeout     = "timeout"
	UpstreamErrorRateLimit   = "rate_limit"
	UpstreamErrorNotFound    = "not_found"
	UpstreamErrorNetwork     = "network"
	UpstreamErrorServerError = "server_error"
	UpstreamErrorOpen        = "breaker_open"
	UpstreamErrorOther       = "other"
)

// NormalizeUpstreamError maps arbitrary upstream errors to the bounded set
func NormalizeUpstreamError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "breaker") || strings.Contains(errStr, "open state"):
		return UpstreamErrorOpen
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return UpstreamErrorTimeout
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "rate"):
		return UpstreamErrorRateLimit
	case strings.Contains(errStr, "404") || strings.Contains(errStr, "not found"):
		return UpstreamErrorNotFound
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return UpstreamErrorNetwork
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return UpstreamErrorServerError
	default:
		return UpstreamErrorOther
	}
}

// Calculation metrics
var (
	CalculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "locatefee_calculation_duration_ms",
		Help:    "Fee calculation latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	CalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_calculations_total",
		Help: "Total fee calculations by outcome",
	}, []string{"outcome"})

	FingerprintHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefee_fingerprint_hits_total",
		Help: "Calculations served from the calc fingerprint short-cut",
	})

	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_signal_fallbacks_total",
		Help: "Signals substituted by the fallback policy, by signal kind",
	}, []string{"signal"})
)

// Cache metrics
var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_cache_hits_total",
		Help: "Cache hits by tier and keyspace",
	}, []string{"tier", "keyspace"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_cache_misses_total",
		Help: "Cache misses (both tiers) by keyspace",
	}, []string{"keyspace"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefee_cache_evictions_total",
		Help: "Local tier LRU evictions",
	})

	CacheDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefee_cache_degraded_total",
		Help: "Operations served local-only because the shared tier was unreachable",
	})

	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_cache_invalidations_total",
		Help: "Invalidation messages applied by keyspace",
	}, []string{"keyspace"})

	StaleWritesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_cache_stale_writes_suppressed_total",
		Help: "Fetch results not written back because the keyspace generation moved",
	}, []string{"keyspace"})
)

// Upstream provider metrics
var (
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_upstream_requests_total",
		Help: "Upstream provider requests by endpoint and result",
	}, []string{"endpoint", "result"})

	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locatefee_upstream_duration_ms",
		Help:    "Upstream provider call latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"endpoint"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_upstream_errors_total",
		Help: "Upstream provider errors by endpoint and category",
	}, []string{"endpoint", "category"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_upstream_retries_total",
		Help: "Retry attempts by endpoint",
	}, []string{"endpoint"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "locatefee_breaker_state",
		Help: "Circuit breaker state per endpoint (0=closed, 1=open, 2=half_open)",
	}, []string{"endpoint"})
)

// Audit pipeline metrics
var (
	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locatefee_audit_queue_depth",
		Help: "Records waiting in the audit queue",
	})

	AuditRecordsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefee_audit_records_persisted_total",
		Help: "Audit records durably persisted by outcome",
	}, []string{"outcome"})

	AuditBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "locatefee_audit_batch_duration_ms",
		Help:    "Audit batch persistence latency in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
	})

	AuditBackpressure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefee_audit_backpressure_total",
		Help: "Audit enqueues that failed after the backpressure deadline",
	})

	AuditDeadlineMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefee_audit_deadline_missed_total",
		Help: "Records whose durable persistence exceeded the configured deadline",
	})
)

// API and storage metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locatefee_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"method", "path", "status"})

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locatefee_database_query_duration_ms",
		Help:    "Database query duration in milliseconds by query type",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"query"})
)

// RecordCacheHit records a cache hit for a tier and keyspace
func RecordCacheHit(tier, keyspace string) {
	CacheHits.WithLabelValues(tier, keyspace).Inc()
}

// RecordCacheMiss records a full miss for a keyspace
func RecordCacheMiss(keyspace string) {
	CacheMisses.WithLabelValues(keyspace).Inc()
}

// RecordUpstream records an upstream call result and latency
func RecordUpstream(endpoint string, err error, durationMs float64) {
	result := "success"
	if err != nil {
		result = "failure"
		UpstreamErrors.WithLabelValues(endpoint, NormalizeUpstreamError(err)).Inc()
	}
	UpstreamRequests.WithLabelValues(endpoint, result).Inc()
	UpstreamDuration.WithLabelValues(endpoint).Observe(durationMs)
}

// RecordCalculation records a completed calculation by outcome
func RecordCalculation(outcome string, durationMs float64) {
	CalculationsTotal.WithLabelValues(outcome).Inc()
	CalculationDuration.Observe(durationMs)
}

// RecordAuditPersist records an audit persistence batch outcome
func RecordAuditPersist(outcome string, n int, durationMs float64) {
	AuditRecordsPersisted.WithLabelValues(outcome).Add(float64(n))
	AuditBatchDuration.Observe(durationMs)
}

// RecordAPIRequest records an API request duration
func RecordAPIRequest(method, path, status string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, status).Observe(durationMs)
}

// RecordDatabaseQuery records a database query duration
func RecordDatabaseQuery(query string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(query).Observe(durationMs)
}
