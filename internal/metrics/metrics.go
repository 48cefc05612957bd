// Package metrics provides Prometheus metrics collection for the memory
// service. It tracks HTTP traffic, store operations, search latency and SSE
// connection counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "memvault"

var (
	// HTTPRequestsTotal counts requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks request latency distribution.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	// MemoriesStored counts successful store operations.
	MemoriesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_stored_total",
			Help:      "Total memories stored",
		},
	)

	// MemoriesDeleted counts deleted memories, including bulk deletions.
	MemoriesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_deleted_total",
			Help:      "Total memories deleted",
		},
	)

	// SearchesTotal counts searches by kind: semantic, by_tag, by_time.
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total searches by kind",
		},
		[]string{"kind"},
	)

	// SearchDuration tracks search latency by kind.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)

	// StorageBusyTotal counts writes that exhausted the lock retry budget.
	StorageBusyTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_busy_total",
			Help:      "Write operations rejected after lock contention retries",
		},
	)

	// SSEConnections tracks currently open event stream connections.
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_connections",
			Help:      "Currently open SSE connections",
		},
	)

	// EmbeddingCacheHits and EmbeddingCacheMisses track the embedding result
	// cache, incremented by the caching provider on every lookup.
	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding result cache hits",
		},
	)
	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Embedding result cache misses",
		},
	)
)

// RecordSearch records one completed search.
func RecordSearch(kind string, elapsed time.Duration) {
	SearchesTotal.WithLabelValues(kind).Inc()
	SearchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
