package config

import "time"

// QueueConfig contains durable queue and worker pool configuration.
// These values control how jobs are claimed, processed, and retried.
type QueueConfig struct {
	// RunQueueName is the queue carrying run stepping jobs.
	RunQueueName string `yaml:"run_queue_name"`

	// ContinuationQueueName is the queue carrying remote.poll, remote.apply,
	// and remote.event jobs.
	ContinuationQueueName string `yaml:"continuation_queue_name"`

	// RunConcurrency is the number of run queue workers per replica.
	RunConcurrency int `yaml:"run_concurrency"`

	// ContinuationConcurrency is the number of continuation queue workers
	// per replica.
	ContinuationConcurrency int `yaml:"continuation_concurrency"`

	// PollInterval is the fallback claim cadence. NOTIFY wakeups are the
	// primary signal; the poll covers lost notifications and delayed jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// ContinuationPollInterval is the fixed backoff between remote.poll
	// retries while a dispatched result is not ready.
	ContinuationPollInterval time.Duration `yaml:"continuation_poll_interval"`

	// JobTimeout bounds a single handler invocation.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// to complete during shutdown. Should match JobTimeout.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// ReaperInterval is how often to scan for blocked runs whose remote
	// timeout has passed.
	ReaperInterval time.Duration `yaml:"reaper_interval"`

	// ReaperBatch caps the number of runs recovered per scan.
	ReaperBatch int `yaml:"reaper_batch"`

	// StaleClaimThreshold is how long a job may sit in running before its
	// claim is treated as abandoned and the job is returned to queued. Live
	// handlers are bounded by JobTimeout, so this must exceed it.
	StaleClaimThreshold time.Duration `yaml:"stale_claim_threshold"`

	// StrandedRunThreshold is how long a run may sit in running without a
	// row update before the reaper checks it for a missing stepping job.
	StrandedRunThreshold time.Duration `yaml:"stranded_run_threshold"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		RunQueueName:             "workflow-runs",
		ContinuationQueueName:    "workflow-continuations",
		RunConcurrency:           5,
		ContinuationConcurrency:  5,
		PollInterval:             1 * time.Second,
		PollIntervalJitter:       500 * time.Millisecond,
		ContinuationPollInterval: 2 * time.Second,
		JobTimeout:               15 * time.Minute,
		GracefulShutdownTimeout:  15 * time.Minute,
		ReaperInterval:           30 * time.Second,
		ReaperBatch:              100,
		StaleClaimThreshold:      20 * time.Minute,
		StrandedRunThreshold:     1 * time.Minute,
	}
}
