// Package metrics registers the stable set of Prometheus collectors the
// worker and store packages record against, grounded on the teacher's
// controller/metrics.RecordPersistenceError promauto pattern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_workflow_total",
			Help: "Total workflows dispatched, by registered name.",
		},
		[]string{"workflow"},
	)

	workflowActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowengine_workflow_active",
			Help: "Workflows currently running, by registered name.",
		},
		[]string{"workflow"},
	)

	workflowDead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_workflow_dead",
			Help: "Workflows that terminated in the dead state, by registered name.",
		},
		[]string{"workflow"},
	)

	workflowSleeping = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowengine_workflow_sleeping",
			Help: "Workflows currently suspended awaiting a deadline or signal, by registered name.",
		},
		[]string{"workflow"},
	)

	signalPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowengine_signal_pending",
			Help: "Signals published but not yet claimed, by signal name.",
		},
		[]string{"signal"},
	)

	workflowErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_workflow_errors",
			Help: "Workflow run errors, by workflow and error code.",
		},
		[]string{"workflow", "code"},
	)

	activityDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowengine_activity_duration",
			Help:    "Activity execution duration in seconds, by workflow, activity, and outcome code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow", "activity", "code"},
	)

	activityErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_activity_errors",
			Help: "Activity execution errors, by workflow, activity, and error code.",
		},
		[]string{"workflow", "activity", "code"},
	)

	loopIterationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowengine_loop_iteration_duration",
			Help:    "Worker tick loop iteration duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	pullWorkflowsDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowengine_pull_workflows_duration",
			Help:    "store.PullWorkflows call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	completeWorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowengine_complete_workflow_duration",
			Help:    "store.CompleteWorkflow call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	commitWorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowengine_commit_workflow_duration",
			Help:    "Event-commit call duration in seconds, by commit kind (activity, sleep, branch, ...).",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// RecordDispatch increments the dispatch counter for a registered workflow.
func RecordDispatch(workflow string) {
	workflowTotal.WithLabelValues(workflow).Inc()
}

// SetActive sets the number of currently-running instances of a workflow.
func SetActive(workflow string, n float64) {
	workflowActive.WithLabelValues(workflow).Set(n)
}

// RecordDead increments the dead-termination counter for a workflow.
func RecordDead(workflow string) {
	workflowDead.WithLabelValues(workflow).Inc()
}

// SetSleeping sets the number of currently-suspended instances of a workflow.
func SetSleeping(workflow string, n float64) {
	workflowSleeping.WithLabelValues(workflow).Set(n)
}

// SetSignalPending sets the number of unclaimed signals by name.
func SetSignalPending(signal string, n float64) {
	signalPending.WithLabelValues(signal).Set(n)
}

// RecordWorkflowError increments the workflow error counter.
func RecordWorkflowError(workflow, code string) {
	workflowErrors.WithLabelValues(workflow, code).Inc()
}

// ObserveActivityDuration records how long an activity execution took.
func ObserveActivityDuration(workflow, activity, code string, d time.Duration) {
	activityDuration.WithLabelValues(workflow, activity, code).Observe(d.Seconds())
}

// RecordActivityError increments the activity error counter.
func RecordActivityError(workflow, activity, code string) {
	activityErrors.WithLabelValues(workflow, activity, code).Inc()
}

// ObserveLoopIteration records one worker tick loop iteration's duration.
func ObserveLoopIteration(d time.Duration) {
	loopIterationDuration.Observe(d.Seconds())
}

// ObservePullWorkflows records a store.PullWorkflows call's duration.
func ObservePullWorkflows(d time.Duration) {
	pullWorkflowsDuration.Observe(d.Seconds())
}

// ObserveCompleteWorkflow records a store.CompleteWorkflow call's duration.
func ObserveCompleteWorkflow(d time.Duration) {
	completeWorkflowDuration.Observe(d.Seconds())
}

// ObserveCommitWorkflow records an event-commit call's duration by kind
// (e.g. "activity", "sleep", "branch", "loop", "sub_workflow").
func ObserveCommitWorkflow(kind string, d time.Duration) {
	commitWorkflowDuration.WithLabelValues(kind).Observe(d.Seconds())
}
