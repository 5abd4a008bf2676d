// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gostream"

var (
	// CacheOperationsTotal tracks KV Result Cache operations (C6).
	// Labels:
	//   - operation: get, set, delete
	//   - status: hit, miss, chunked_hit, success, error
	//   - cache_type: redis
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of KV result cache operations",
		},
		[]string{"operation", "status", "cache_type"},
	)

	// PresignCacheOperationsTotal tracks the Presigned-URL Cache (C4).
	// Labels:
	//   - operation: get, store, refresh
	//   - status: hit, miss, success, error
	PresignCacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presign_cache_operations_total",
			Help:      "Total number of presigned-URL cache operations",
		},
		[]string{"operation", "status"},
	)

	// SourceFetchTotal tracks Storage Fetcher (C5) trials across the
	// ordered Source failover chain.
	// Labels:
	//   - source_type: r2, remote, fallback
	//   - status: success, not_found, error, stopped
	SourceFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetch_total",
			Help:      "Total number of per-source fetch attempts during failover",
		},
		[]string{"source_type", "status"},
	)

	// TransformInvocationsTotal tracks Transform Invoker (C7) outcomes by
	// classification.
	// Labels:
	//   - class: Ok, DurationLimitError, FileSizeError, InvalidDimension,
	//            InvalidFormat, OriginUnavailable, TransformationFailed
	TransformInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_invocations_total",
			Help:      "Total number of transform invocations by error classification",
		},
		[]string{"class"},
	)

	// FallbackAppliedTotal tracks Error & Fallback Pipeline (C8) outcomes.
	// Labels:
	//   - stage: duration_retry, direct_origin, storage_service, final_error
	//   - status: success, failed
	FallbackAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_applied_total",
			Help:      "Total number of fallback pipeline stage outcomes",
		},
		[]string{"stage", "status"},
	)

	// DBQueriesTotal tracks database queries against the config/audit log.
	// Labels:
	//   - query_type: select, insert, update, delete
	//   - table: config_audit_log
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Total number of database queries",
		},
		[]string{"query_type", "table"},
	)

	// SingleflightRequestsTotal tracks singleflight behavior on concurrent
	// identical transform requests.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)

	// BackgroundTasksTotal tracks Background Worker Gate (C9) dispatch
	// outcomes.
	// Labels:
	//   - outcome: spawned, rejected
	BackgroundTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Total number of background task spawn attempts",
		},
		[]string{"outcome"},
	)

	// RequestDurationSeconds tracks end-to-end HandleTransform latency.
	// Labels:
	//   - outcome: cache_hit, transform, fallback, error
	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end HandleTransform request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// Cache operation status constants.
const (
	CacheStatusHit        = "hit"
	CacheStatusChunkedHit = "chunked_hit"
	CacheStatusMiss       = "miss"
	CacheStatusSuccess    = "success"
	CacheStatusError      = "error"
)

// Cache operation type constants.
const (
	CacheOpGet    = "get"
	CacheOpSet    = "set"
	CacheOpDelete = "delete"
)

// Cache type constants.
const (
	CacheTypeRedis = "redis"
)

// Source fetch status constants (C5).
const (
	SourceStatusSuccess  = "success"
	SourceStatusNotFound = "not_found"
	SourceStatusError    = "error"
	SourceStatusStopped  = "stopped"
)

// Fallback pipeline stage constants (C8).
const (
	FallbackStageDurationRetry  = "duration_retry"
	FallbackStageDirectOrigin   = "direct_origin"
	FallbackStageStorageService = "storage_service"
	FallbackStageFinalError     = "final_error"
)

// DB query type constants.
const (
	DBQuerySelect = "select"
	DBQueryInsert = "insert"
	DBQueryUpdate = "update"
)

// Table name constants.
const (
	TableConfigAuditLog = "config_audit_log"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)

// Background task gate outcome constants (C9).
const (
	BackgroundOutcomeSpawned  = "spawned"
	BackgroundOutcomeRejected = "rejected"
)

// Request outcome constants for RequestDurationSeconds.
const (
	RequestOutcomeCacheHit = "cache_hit"
	RequestOutcomeTransform = "transform"
	RequestOutcomeFallback  = "fallback"
	RequestOutcomeError     = "error"
)
