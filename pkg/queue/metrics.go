package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsProcessed tracks jobs completed successfully, by queue.
	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vespid_queue_jobs_processed_total",
			Help: "Total jobs completed successfully by queue",
		},
		[]string{"queue"},
	)

	// jobsFailed tracks handler failures, by queue. Includes failures that
	// were rescheduled and failures that exhausted the job.
	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vespid_queue_jobs_failed_total",
			Help: "Total handler failures by queue",
		},
		[]string{"queue"},
	)

	// jobsDead tracks jobs that exhausted their attempts, by queue.
	jobsDead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vespid_queue_jobs_dead_total",
			Help: "Total jobs moved to dead after exhausting attempts by queue",
		},
		[]string{"queue"},
	)

	// queueWakeups tracks NOTIFY wakeups received, by queue.
	queueWakeups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vespid_queue_wakeups_total",
			Help: "Total NOTIFY wakeups received by queue",
		},
		[]string{"queue"},
	)

	// runsReaped tracks blocked runs recovered by the reaper.
	runsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vespid_queue_runs_reaped_total",
			Help: "Total blocked runs recovered after their remote timeout passed",
		},
	)

	// runsRequeued tracks queued runs re-enqueued by the startup sweep and
	// periodic scans.
	runsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vespid_queue_runs_requeued_total",
			Help: "Total ready runs re-enqueued by sweeps",
		},
	)

	// jobsReclaimed tracks running jobs returned to queued after their
	// claiming worker died, by queue.
	jobsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vespid_queue_jobs_reclaimed_total",
			Help: "Total stale running jobs returned to queued by queue",
		},
		[]string{"queue"},
	)

	// runsRescued tracks running runs that got a fresh stepping job after
	// theirs was lost.
	runsRescued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vespid_queue_runs_rescued_total",
			Help: "Total stranded running runs re-enqueued by sweeps",
		},
	)
)

// recordJobProcessed increments the processed counter.
func recordJobProcessed(queue string) {
	jobsProcessed.WithLabelValues(queue).Inc()
}

// recordJobFailed increments the failure counter.
func recordJobFailed(queue string) {
	jobsFailed.WithLabelValues(queue).Inc()
}

// recordJobDead increments the dead-job counter.
func recordJobDead(queue string) {
	jobsDead.WithLabelValues(queue).Inc()
}

// recordWakeup increments the wakeup counter.
func recordWakeup(queue string) {
	queueWakeups.WithLabelValues(queue).Inc()
}
