// Package observability exposes Prometheus metrics for the service.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifact_cache_results_total",
			Help: "Artifact cache lookups by tier and outcome.",
		},
		[]string{"kind", "tier", "outcome"},
	)

	cacheOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Latency of distributed cache operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "status"},
	)

	coldLoadSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cold_store_load_duration_seconds",
			Help:    "Latency of cold store artifact loads in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind", "status"},
	)

	stampedeShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cold_load_stampede_shared_total",
			Help: "Resolve calls served by attaching to another caller's in-flight cold load.",
		},
	)

	tierWriteSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_tier_write_skipped_total",
			Help: "Distributed tier writes that failed and were degraded to memory-only.",
		},
		[]string{"kind"},
	)

	encodingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feature_encoding_fallback_total",
			Help: "Categorical encodings substituted with the default code.",
		},
		[]string{"feature"},
	)

	discardedWindows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sequence_windows_discarded_total",
			Help: "Candidate sequence windows discarded for containing missing values.",
		},
	)

	forecastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecasts_total",
			Help: "Forecast requests by outcome.",
		},
		[]string{"status"},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_refresh_total",
			Help: "Model refresh attempts by outcome.",
		},
		[]string{"status"},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Cache invalidation events processed, by op and outcome.",
		},
		[]string{"op", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func IncTierHit(kind, tier string)  { cacheResults.WithLabelValues(kind, tier, "hit").Inc() }
func IncTierMiss(kind, tier string) { cacheResults.WithLabelValues(kind, tier, "miss").Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	cacheOpSeconds.WithLabelValues(op, statusLabel(err)).Observe(durationSeconds)
}

func ObserveColdLoad(kind string, err error, durationSeconds float64) {
	coldLoadSeconds.WithLabelValues(kind, statusLabel(err)).Observe(durationSeconds)
}

func IncStampedeShared() { stampedeShared.Inc() }

func IncTierWriteSkipped(kind string) { tierWriteSkipped.WithLabelValues(kind).Inc() }

func IncEncodingFallback(feature string) { encodingFallbacks.WithLabelValues(feature).Inc() }

func AddDiscardedWindows(n int) {
	if n > 0 {
		discardedWindows.Add(float64(n))
	}
}

func IncForecast(err error) { forecastsTotal.WithLabelValues(statusLabel(err)).Inc() }

func IncRefresh(err error) { refreshTotal.WithLabelValues(statusLabel(err)).Inc() }

func ObserveInvalidation(op string, err error) {
	invalidationsTotal.WithLabelValues(op, statusLabel(err)).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
