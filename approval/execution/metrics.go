package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "version_transitions_total",
		Help: "Total successful version status transitions, by from and to status.",
	}, []string{"from", "to"})
	transitionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "version_transitions_failed_total",
		Help: "Total failed version status transitions, by reason.",
	}, []string{"reason"})
	executionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approval_executions_completed_total",
		Help: "Total approval decisions executed successfully.",
	})
	executionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approval_executions_failed_total",
		Help: "Total approval decisions whose execution failed.",
	})
	cascadeRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_retirements_total",
		Help: "Total prior versions retired to REPLACED by cascade.",
	})
	cascadeSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_retirements_skipped_total",
		Help: "Total cascade retirements skipped due to ambiguous lineage.",
	})
	versionsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "versions_swept_total",
		Help: "Total versions aged out by the archive sweeper, by target status.",
	}, []string{"to"})
)
