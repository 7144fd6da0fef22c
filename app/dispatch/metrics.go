package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Enqueue calls by outcome (created, deduplicated)",
		},
		[]string{"outcome"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_processed_total",
			Help: "Job executions by outcome (completed, retried, failed)",
		},
		[]string{"outcome"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Jobs currently in the waiting state",
		},
	)

	ceilingParks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tenant_ceiling_parks_total",
			Help: "Times a worker parked because a tenant was at its concurrency ceiling",
		},
	)

	sweeperRequeues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sweeper_requeues_total",
			Help: "Jobs returned to waiting by the sweeper (delayed, stale)",
		},
		[]string{"reason"},
	)
)
