package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node metrics
	NodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orbitmesh_nodes_total",
			Help: "Number of known nodes by lifecycle status",
		},
		[]string{"status"},
	)

	// Job metrics
	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitmesh_jobs_enqueued_total",
			Help: "Total number of jobs accepted into the queue",
		},
	)

	JobsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitmesh_jobs_dispatched_total",
			Help: "Total number of ExecuteJob commands delivered to nodes",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitmesh_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	JobsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitmesh_jobs_requeued_total",
			Help: "Total number of retry requeues (failure and timeout budgets)",
		},
	)

	JobsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitmesh_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead letter queue",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbitmesh_queue_depth",
			Help: "Number of jobs currently Pending in the priority queue",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbitmesh_job_duration_seconds",
			Help:    "Wall-clock time from assignment to terminal report in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Workflow metrics
	WorkflowInstancesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbitmesh_workflow_instances_started_total",
			Help: "Total number of workflow instances started",
		},
	)

	WorkflowInstancesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitmesh_workflow_instances_finished_total",
			Help: "Total number of workflow instances reaching a terminal state, by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(NodesByStatus)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(JobsDeadLettered)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(WorkflowInstancesStarted)
	prometheus.MustRegister(WorkflowInstancesFinished)
}

// Handler returns the Prometheus scrape handler mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
