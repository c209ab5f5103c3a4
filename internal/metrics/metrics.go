// Package metrics holds the Prometheus collectors for the storage engine.
// Collectors register against the default registry; embedders expose them
// through their own /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spate"

var (
	// QueryDuration tracks the duration of backend operations.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Duration of backend operations in seconds",
			// Buckets from 100µs to ~1.6s for local store latency
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"operation"},
	)

	// QueryTotal tracks the total number of backend operations by outcome.
	QueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_total",
			Help:      "Total number of backend operations",
		},
		[]string{"operation", "status"},
	)

	// RawFilterErrors tracks raw filter compile and evaluation errors.
	RawFilterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_filter_errors_total",
			Help:      "Total number of raw filter compile and evaluation errors",
		},
		[]string{"error_type"},
	)

	// RawFilterParseDuration tracks how long raw filter compilation takes.
	RawFilterParseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raw_filter_parse_duration_seconds",
			Help:      "Duration of raw filter compilation in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 10),
		},
	)

	// HydrationObjectFetches tracks the distribution of distinct object ids
	// fetched per hydration pass.
	HydrationObjectFetches = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hydration_object_fetch_size",
			Help:      "Distinct object ids fetched per hydration pass",
			// Buckets: 1, 10, 100, 1k
			Buckets: prometheus.ExponentialBuckets(1, 10, 4),
		},
	)

	// QueryResults tracks the distribution of activities returned per query.
	QueryResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_results_total",
			Help:      "Distribution of number of activities returned per query",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 4),
		},
	)
)
