package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DBRetriesTotal tracks transient database failures that triggered a retry
	DBRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacore_db_retries_total",
			Help: "Total number of retried database operations",
		},
		[]string{"operation"},
	)

	// DBQueryLatency tracks database operation latency
	DBQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datacore_db_query_latency_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// DBConnectionState reports the connection manager state (0=disconnected,
	// 1=connecting, 2=connected, 3=failed)
	DBConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "datacore_db_connection_state",
			Help: "Current connection manager state",
		},
	)

	// StoreCommandsTotal tracks remote store commands per command name
	StoreCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacore_store_commands_total",
			Help: "Total number of remote store commands",
		},
		[]string{"command", "status"},
	)

	// StoreCommandLatency tracks remote store command latency
	StoreCommandLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datacore_store_command_latency_seconds",
			Help:    "Remote store command latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// CacheHitsTotal tracks cache hits and misses
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacore_cache_requests_total",
			Help: "Total cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// RateLimitDenialsTotal tracks denied rate-limit checks
	RateLimitDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacore_ratelimit_denials_total",
			Help: "Total rate-limit checks that were denied",
		},
		[]string{"identity"},
	)

	// QueueDepth reports the pending queue depth
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "datacore_queue_depth",
			Help: "Number of pending jobs",
		},
	)

	// JobsDeadLetteredTotal tracks jobs moved to the dead-letter list
	JobsDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacore_jobs_dead_lettered_total",
			Help: "Total jobs moved to the dead-letter list",
		},
		[]string{"type"},
	)

	// JobsProcessedTotal tracks processed jobs by outcome
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacore_jobs_processed_total",
			Help: "Total processed jobs by outcome",
		},
		[]string{"type", "outcome"},
	)
)
