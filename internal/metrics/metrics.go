// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mrs"

// Registry is the Prometheus registry all server metrics register with.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration records HTTP request latency in seconds.
	HTTPRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// SearchResultsReturned records result-set sizes after truncation.
	SearchResultsReturned = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results_returned",
			Help:      "Number of registrations returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// ReferralsAttached counts referrals attached to search responses.
	ReferralsAttached = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referrals_attached_total",
			Help:      "Total referrals attached to search responses",
		},
	)

	// KeyCacheHits counts remote key lookups served from cache.
	KeyCacheHits = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_hits_total",
			Help:      "Remote key lookups served from the cache",
		},
	)

	// KeyCacheMisses counts remote key lookups that required a fetch.
	KeyCacheMisses = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_misses_total",
			Help:      "Remote key lookups that went to the network",
		},
	)

	// SyncConflicts counts divergent-payload events dropped during ingest.
	SyncConflicts = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Sync events dropped because the payload diverged from the held copy",
		},
	)

	// SovereigntyViolations counts sync events claiming ownership of a
	// locally originated record.
	SovereigntyViolations = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sovereignty_violations_total",
			Help:      "Sync events refused for claiming a locally originated record",
		},
	)

	// SyncPulls counts delta/snapshot pulls by peer and outcome.
	SyncPulls = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_pulls_total",
			Help:      "Sync pulls by peer and outcome",
		},
		[]string{"peer", "outcome"},
	)

	// TombstonesPurged counts tombstones removed by the GC loop.
	TombstonesPurged = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tombstones_purged_total",
			Help:      "Tombstones removed after the retention window",
		},
	)

	// RateLimited counts requests rejected by the throttle.
	RateLimited = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by rate limiting",
		},
		[]string{"tier"},
	)
)
