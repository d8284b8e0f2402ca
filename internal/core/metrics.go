package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// injectionsTotal counts injected views by kind.
	injectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmem_injections_total",
		Help: "Total views injected by kind",
	}, []string{"kind"})

	// groupUpdatesTotal counts completed group update cycles.
	groupUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rmem_group_updates_total",
		Help: "Total group update cycles",
	})

	// groupUpdateDuration tracks time spent holding a group lock during update.
	groupUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rmem_group_update_duration_seconds",
		Help:    "Group update duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us to ~80ms
	})

	// timeJobsTotal counts executed time jobs by kind and punctuality.
	timeJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmem_time_jobs_total",
		Help: "Total time jobs executed by kind and whether they ran late",
	}, []string{"kind", "late"})

	// reductionsTotal counts reduction jobs consumed by the reduction cores.
	reductionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rmem_reductions_total",
		Help: "Total reduction jobs executed",
	})

	// chainingTotal counts productions of the model chaining engine.
	chainingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmem_chaining_total",
		Help: "Predictions, goals and simulations produced by models",
	}, []string{"kind"})

	// modelRatingsTotal counts model rating events by outcome.
	modelRatingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmem_model_ratings_total",
		Help: "Model rating outcomes: success, failure, promoted, phased_out, phased_in, killed",
	}, []string{"outcome"})
)
