package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vespid/vespid/pkg/database"
)

const jobColumns = `id, queue, job_id, payload, status, attempts, max_attempts, backoff_kind, backoff_ms, run_after, locked_by, last_error, created_at`

// notifyChannelPrefix namespaces queue wakeup channels so they never collide
// with run event channels on the shared LISTEN connection.
const notifyChannelPrefix = "vespid_queue_"

// Default retry policy for jobs enqueued without options.
const (
	defaultMaxAttempts = 5
	defaultBackoff     = time.Second
)

// Queue is one named durable queue over the queue_jobs table. Enqueues
// publish a NOTIFY in the same transaction as the insert, so a wakeup is
// observable only once its job row is committed.
type Queue struct {
	db   *sql.DB
	name string
}

// New creates a handle on a named queue.
func New(client *database.Client, name string) *Queue {
	return &Queue{db: client.DB(), name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// NotifyChannel returns the Postgres channel announcing this queue's inserts.
func (q *Queue) NotifyChannel() string {
	return notifyChannelPrefix + q.name
}

// QueueNameFromChannel extracts the queue name from a wakeup channel,
// returning false for channels owned by other subsystems.
func QueueNameFromChannel(channel string) (string, bool) {
	if len(channel) <= len(notifyChannelPrefix) || channel[:len(notifyChannelPrefix)] != notifyChannelPrefix {
		return "", false
	}
	return channel[len(notifyChannelPrefix):], true
}

type enqueueOptions struct {
	jobID       string
	delay       time.Duration
	maxAttempts int
	backoffKind string
	backoff     time.Duration
}

// EnqueueOption configures a single enqueue.
type EnqueueOption func(*enqueueOptions)

// WithJobID sets a dedup id: while a job with this id is queued or running,
// further enqueues with the same id collapse into it.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

// WithDelay makes the job claimable only after the delay has passed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMaxAttempts overrides the job's attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the exponential backoff base for rescheduled failures.
// Run jobs use the workflow retry base so queue rescheduling and the run's
// next_attempt_at agree.
func WithBackoff(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithFixedBackoff reschedules failures at a constant interval instead of
// the default exponential policy. Poll jobs use this with the configured
// poll cadence.
func WithFixedBackoff(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.backoffKind = BackoffFixed
		o.backoff = d
	}
}

// Enqueue inserts a job in its own transaction.
// A dedup collision returns (nil, nil): the live job already covers the work.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := q.EnqueueTx(ctx, tx, payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return job, nil
}

// EnqueueTx inserts a job inside the caller's transaction. Run transitions
// use this so the row update, its event, and the follow-up job commit
// atomically.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, payload any, opts ...EnqueueOption) (*Job, error) {
	o := enqueueOptions{
		maxAttempts: defaultMaxAttempts,
		backoffKind: BackoffExponential,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	var jobID any
	if o.jobID != "" {
		jobID = o.jobID
	}

	// Scheduling arithmetic stays on the database clock: claims compare
	// run_after against now(), so mixing in the application clock would let
	// skew delay fresh jobs.
	row := tx.QueryRowContext(ctx, `
		INSERT INTO queue_jobs (queue, job_id, payload, max_attempts, backoff_kind, backoff_ms, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, now() + make_interval(secs => $7))
		ON CONFLICT (queue, job_id) WHERE job_id IS NOT NULL AND status IN ('queued', 'running')
		DO NOTHING
		RETURNING `+jobColumns,
		q.name, jobID, body, o.maxAttempts, o.backoffKind, o.backoff.Milliseconds(), o.delay.Seconds())

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", q.NotifyChannel(), ""); err != nil {
		return nil, fmt.Errorf("failed to notify queue channel: %w", err)
	}
	return job, nil
}

// Claim atomically takes the next due job using FOR UPDATE SKIP LOCKED.
// Jobs are ordered by run_after then id for FIFO processing. Returns
// ErrNoJobs when nothing is due.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM queue_jobs
		WHERE queue = $1 AND status = 'queued' AND run_after <= now()
		ORDER BY run_after, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, q.name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable job: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET status = 'running', attempts = attempts + 1, locked_by = $2, locked_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns, id, workerID)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// Complete marks a claimed job done.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'done', updated_at = now()
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail records a handler failure. The job is rescheduled with its backoff
// policy, or moved to dead once its attempts are exhausted. Returns the
// job's next status.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (string, error) {
	msg := cause.Error()

	if job.Attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE queue_jobs
			SET status = 'dead', last_error = $2, updated_at = now()
			WHERE id = $1`, job.ID, msg)
		if err != nil {
			return "", fmt.Errorf("failed to mark job dead: %w", err)
		}
		return JobStatusDead, nil
	}

	delay := backoffDelay(job.BackoffKind, job.Backoff, job.Attempts)
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'queued', run_after = now() + make_interval(secs => $2), last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1`, job.ID, delay.Seconds(), msg)
	if err != nil {
		return "", fmt.Errorf("failed to reschedule job: %w", err)
	}
	return JobStatusQueued, nil
}

// RequeueStale returns running jobs whose claim is older than olderThan to
// queued. A claim that old means the owning process died mid-job: live
// handlers are bounded by the job timeout, and both Complete and Fail clear
// the claim. While such a row sits in running, the dedup index also swallows
// every fresh enqueue under its job id, so reclaiming it is the only path
// that unstrands the work. The claim's attempt stays counted.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'queued', locked_by = NULL, locked_at = NULL,
		    run_after = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND status = 'running'
			  AND locked_at < now() - make_interval(secs => $2)
			ORDER BY locked_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)`, q.name, olderThan.Seconds(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// HasLiveJob reports whether a queued or running job carries the dedup id,
// i.e. whether an enqueue with WithJobID(jobID) would collapse into it.
func (q *Queue) HasLiveJob(ctx context.Context, jobID string) (bool, error) {
	var live bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_jobs
			WHERE queue = $1 AND job_id = $2 AND status IN ('queued', 'running')
		)`, q.name, jobID).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("failed to query live job: %w", err)
	}
	return live, nil
}

// Depth returns the number of queued jobs, due or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE queue = $1 AND status = 'queued'`,
		q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	return n, nil
}

// GetByID loads a job row. Used by tests and diagnostics.
func (q *Queue) GetByID(ctx context.Context, jobID int64) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// DeleteFinishedOlderThan removes done and dead jobs created before the
// cutoff. Used by the retention cleaner.
func (q *Queue) DeleteFinishedOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_jobs
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND status IN ('done', 'dead') AND created_at < $2
			ORDER BY id
			LIMIT $3
		)`, q.name, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		job       Job
		jobID     sql.NullString
		lockedBy  sql.NullString
		lastError sql.NullString
		backoffMS int64
	)
	err := row.Scan(
		&job.ID, &job.Queue, &jobID, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.BackoffKind, &backoffMS,
		&job.RunAfter, &lockedBy, &lastError, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.JobID = jobID.String
	job.LockedBy = lockedBy.String
	job.LastError = lastError.String
	job.Backoff = time.Duration(backoffMS) * time.Millisecond
	return &job, nil
}
