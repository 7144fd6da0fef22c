package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockStoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_store_failures_total",
			Help: "Lock store outages observed during acquisition, by applied policy",
		},
		[]string{"policy"},
	)

	rateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limit check outcomes",
		},
		[]string{"outcome"},
	)

	rateLimitStoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_store_failures_total",
			Help: "Counter store outages during rate limit checks (allowed through)",
		},
	)

	templateCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "template_cache_lookups_total",
			Help: "Content-artifact cache resolutions by tier (memory, override, store, created)",
		},
		[]string{"tier"},
	)

	providerSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Latency of provider delivery calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	providerSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_send_total",
			Help: "Provider delivery calls by outcome",
		},
		[]string{"outcome"},
	)
)
