// Package queue provides the durable Postgres-backed job queues and the
// worker pools that drain them. Jobs are rows claimed with FOR UPDATE SKIP
// LOCKED; wakeups ride on Postgres NOTIFY with a polling fallback, so
// delivery is at-least-once and handlers must be idempotent.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobs indicates no claimable jobs are in the queue.
	ErrNoJobs = errors.New("no jobs available")
)

// Job statuses.
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusDead    = "dead"
)

// Backoff kinds.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Job is one durable queue entry. Attempts counts claims, so a claimed job
// always has Attempts >= 1.
type Job struct {
	ID          int64
	Queue       string
	JobID       string
	Payload     json.RawMessage
	Status      string
	Attempts    int
	MaxAttempts int
	BackoffKind string
	Backoff     time.Duration
	RunAfter    time.Time
	LockedBy    string
	LastError   string
	CreatedAt   time.Time
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler processes one claimed job. A nil return completes the job; an
// error reschedules it with its backoff policy until attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// RunJobID is the dedup id for stepping jobs: one live job per run.
func RunJobID(runID string) string {
	return "run:" + runID
}

// PollJobID is the dedup id for remote.poll jobs, collapsing duplicate polls
// for the same request.
func PollJobID(requestID string) string {
	return "poll:" + hashRequestID(requestID)
}

// ApplyJobID is the dedup id for remote.apply jobs. Push delivery and the
// reaper race for the same request; the dedup index keeps one live apply.
func ApplyJobID(requestID string) string {
	return "apply:" + hashRequestID(requestID)
}

func hashRequestID(requestID string) string {
	sum := sha256.Sum256([]byte(requestID))
	return hex.EncodeToString(sum[:])
}

// PoolHealth contains health information for one queue's worker pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"isHealthy"`
	DBReachable   bool           `json:"dbReachable"`
	DBError       string         `json:"dbError,omitempty"`
	PodID         string         `json:"podId"`
	Queue         string         `json:"queue"`
	ActiveWorkers int            `json:"activeWorkers"`
	TotalWorkers  int            `json:"totalWorkers"`
	QueueDepth    int            `json:"queueDepth"`
	WorkerStats   []WorkerHealth `json:"workerStats"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CurrentJobID  int64     `json:"currentJobId,omitempty"`
	JobsProcessed int       `json:"jobsProcessed"`
	LastActivity  time.Time `json:"lastActivity"`
}
