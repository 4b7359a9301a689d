package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the resolution pipeline. Register once per
// process; the REST layer serves the registry at /metrics.
type Metrics struct {
	cacheLookups    *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	analyzerRuns    *prometheus.CounterVec
	negativeRecords prometheus.Counter
	resolveDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backbeat",
			Name:      "cache_lookups_total",
			Help:      "Feature cache lookups by result (hit, negative_hit, miss).",
		}, []string{"result"}),
		providerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backbeat",
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider and outcome (ok, miss, error).",
		}, []string{"provider", "outcome"}),
		analyzerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backbeat",
			Name:      "analyzer_runs_total",
			Help:      "Local preview analyses by outcome (ok, skipped, error).",
		}, []string{"outcome"}),
		negativeRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "backbeat",
			Name:      "negative_records_total",
			Help:      "Resolutions that ended with no field filled.",
		}),
		resolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "backbeat",
			Name:      "resolve_duration_seconds",
			Help:      "End-to-end resolution latency for cache misses.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}
