package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job lifecycle metrics, labelled by job type where the cardinality is a
// small closed set.
var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waytrail_jobs_enqueued_total",
		Help: "Jobs added to the queue.",
	}, []string{"type", "queue"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waytrail_jobs_completed_total",
		Help: "Jobs that finished successfully.",
	}, []string{"type"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waytrail_jobs_failed_total",
		Help: "Jobs that reached the terminal failed state.",
	}, []string{"type"})

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waytrail_jobs_retried_total",
		Help: "Job executions rescheduled after a retryable failure.",
	}, []string{"type"})

	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waytrail_jobs_active",
		Help: "Jobs currently executing in this process.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "waytrail_queue_depth",
		Help: "Waiting jobs per queue partition.",
	}, []string{"queue"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "waytrail_job_duration_seconds",
		Help:    "Handler execution time.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"type"})
)

// Reconciler outcome metrics.
var (
	InstancesAutoCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waytrail_instances_auto_completed_total",
		Help: "Stale journey instances force-completed by the reconciler.",
	})

	InstancesAutoCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waytrail_instances_auto_cancelled_total",
		Help: "Stale journey instances force-cancelled by the reconciler.",
	})

	GroupJourneysClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waytrail_group_journeys_closed_total",
		Help: "Group journeys completed by cascading finalization.",
	})
)

var serverInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "waytrail_jobs_server_info",
	Help: "Build and backend information.",
}, []string{"version", "backend"})

// Init records static server info. Called once at startup.
func Init(version, backend string) {
	serverInfo.WithLabelValues(version, backend).Set(1)
}
