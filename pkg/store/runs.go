// Package store implements the durable run state machine over PostgreSQL.
// Every state transition is one transaction that updates the run row and may
// append one event to the run log; concurrent writers racing for the same
// transition lose the status guard (or the blockedRequestId CAS) and observe
// a nil run rather than an error.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/models"
)

const runColumns = `id, organization_id, workflow_id, trigger_type, requested_by_user_id, input,
	status, attempt_count, max_attempts, cursor_node_index, output, error,
	blocked_request_id, blocked_node_id, blocked_node_type, blocked_kind, blocked_timeout_at,
	next_attempt_at, started_at, finished_at, created_at, updated_at`

// RunStore persists workflow runs and their state transitions.
type RunStore struct {
	db  *sql.DB
	pub *events.Publisher
}

// NewRunStore creates a RunStore. The publisher may be nil in tests that do
// not assert on events; transitions then skip event appends.
func NewRunStore(client *database.Client, pub *events.Publisher) *RunStore {
	return &RunStore{db: client.DB(), pub: pub}
}

// CreateRunParams describes a new run. MaxAttempts 0 means 1.
type CreateRunParams struct {
	OrganizationID    string
	WorkflowID        string
	TriggerType       string
	RequestedByUserID string
	Input             map[string]any
	MaxAttempts       int
}

// CreateRun inserts a run in status queued. The run becomes executable once
// a job referencing it lands on the run queue.
func (s *RunStore) CreateRun(ctx context.Context, p CreateRunParams) (*models.WorkflowRun, error) {
	if p.OrganizationID == "" {
		return nil, NewValidationError("organizationId", "is required")
	}
	if p.WorkflowID == "" {
		return nil, NewValidationError("workflowId", "is required")
	}
	if p.TriggerType == "" {
		p.TriggerType = "manual"
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	input, err := jsonbOrEmpty(p.Input)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_runs (id, organization_id, workflow_id, trigger_type, requested_by_user_id, input, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7)
		RETURNING `+runColumns,
		uuid.New().String(), p.OrganizationID, p.WorkflowID, p.TriggerType,
		strOrNull(p.RequestedByUserID), input, p.MaxAttempts,
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun loads a run scoped to an organization.
func (s *RunStore) GetRun(ctx context.Context, orgID, runID string) (*models.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 AND organization_id = $2`,
		runID, orgID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunByID loads a run without tenant scoping. Internal callers only
// (stepper, continuations); API handlers must use GetRun.
func (s *RunStore) GetRunByID(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRunsParams filters and paginates ListRuns.
type ListRunsParams struct {
	WorkflowID string
	Status     string
	Limit      int
	Offset     int
}

// ListRuns returns an organization's runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, orgID string, p ListRunsParams) ([]*models.WorkflowRun, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE organization_id = $1`
	args := []any{orgID}
	if p.WorkflowID != "" {
		args = append(args, p.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if p.Status != "" {
		args = append(args, p.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, p.Limit, p.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunning claims a queued run: status running, attempt bumped, cursor and
// progress reset, started_at stamped on first claim. Returns nil, nil when
// the run is not queued (another claimer won, or the run already moved on).
// A run_started event is appended under the new attempt.
func (s *RunStore) MarkRunning(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return s.transition(ctx, func(tx *sql.Tx) (*models.WorkflowRun, *models.RunEvent, error) {
		row := tx.QueryRowContext(ctx, `
			UPDATE workflow_runs
			SET status = 'running', attempt_count = attempt_count + 1, cursor_node_index = 0,
			    output = NULL, error = NULL, next_attempt_at = NULL,
			    started_at = COALESCE(started_at, now()), updated_at = now()
			WHERE id = $1 AND status = 'queued'
			RETURNING `+runColumns, runID)
		run, err := scanRun(row)
		if err != nil {
			return nil, nil, err
		}
		ev := &models.RunEvent{
			EventType: models.EventRunStarted,
			Message:   "workflow run started",
			Payload:   map[string]any{"attempt": run.AttemptCount},
		}
		return run, ev, nil
	})
}

// UpdateProgress checkpoints the cursor and progress snapshot of a running
// run. Returns false when the run is no longer running; the caller should
// stop advancing it.
func (s *RunStore) UpdateProgress(ctx context.Context, runID string, cursor int, output *models.ProgressSnapshot) (bool, error) {
	out, err := jsonbOrNull(output)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET cursor_node_index = $2, output = $3, updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		runID, cursor, out)
	if err != nil {
		return false, fmt.Errorf("failed to update progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// BlockParams carries everything markBlocked persists about the outstanding
// remote request.
type BlockParams struct {
	Cursor    int
	RequestID string
	NodeID    string
	NodeType  string
	Kind      string
	TimeoutAt *time.Time
	Output    *models.ProgressSnapshot
}

// MarkBlocked parks a running run on a remote request. Only one request may
// be outstanding per run; callers losing the guard get nil, nil.
func (s *RunStore) MarkBlocked(ctx context.Context, runID string, p BlockParams, ev *models.RunEvent) (*models.WorkflowRun, error) {
	if p.RequestID == "" {
		return nil, NewValidationError("requestId", "is required")
	}
	out, err := jsonbOrNull(p.Output)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, func(tx *sql.Tx) (*models.WorkflowRun, *models.RunEvent, error) {
		row := tx.QueryRowContext(ctx, `
			UPDATE workflow_runs
			SET status = 'blocked', blocked_request_id = $2, blocked_node_id = $3,
			    blocked_node_type = $4, blocked_kind = $5, blocked_timeout_at = $6,
			    cursor_node_index = $7, output = COALESCE($8, output), updated_at = now()
			WHERE id = $1 AND status = 'running' AND blocked_request_id IS NULL
			RETURNING `+runColumns,
			runID, p.RequestID, strOrNull(p.NodeID), strOrNull(p.NodeType), strOrNull(p.Kind),
			timeOrNull(p.TimeoutAt), p.Cursor, out)
		run, err := scanRun(row)
		return run, ev, err
	})
}

// ClearBlock resumes a blocked run via CAS on blockedRequestId. Losers
// (stale request id, run no longer blocked) get nil, nil; the apply path
// relies on this for idempotency.
func (s *RunStore) ClearBlock(ctx context.Context, runID, expectedRequestID string, output *models.ProgressSnapshot, ev *models.RunEvent) (*models.WorkflowRun, error) {
	return s.clearBlock(ctx, runID, expectedRequestID, nil, output, ev)
}

// ClearBlockAndAdvance is ClearBlock plus a cursor bump, used when the
// remote result terminally completes the blocked node.
func (s *RunStore) ClearBlockAndAdvance(ctx context.Context, runID, expectedRequestID string, nextCursor int, output *models.ProgressSnapshot, ev *models.RunEvent) (*models.WorkflowRun, error) {
	return s.clearBlock(ctx, runID, expectedRequestID, &nextCursor, output, ev)
}

func (s *RunStore) clearBlock(ctx context.Context, runID, expectedRequestID string, cursor *int, output *models.ProgressSnapshot, ev *models.RunEvent) (*models.WorkflowRun, error) {
	if expectedRequestID == "" {
		return nil, NewValidationError("expectedRequestId", "is required")
	}
	out, err := jsonbOrNull(output)
	if err != nil {
		return nil, err
	}
	var cursorArg any
	if cursor != nil {
		cursorArg = *cursor
	}
	return s.transition(ctx, func(tx *sql.Tx) (*models.WorkflowRun, *models.RunEvent, error) {
		row := tx.QueryRowContext(ctx, `
			UPDATE workflow_runs
			SET status = 'running', blocked_request_id = NULL, blocked_node_id = NULL,
			    blocked_node_type = NULL, blocked_kind = NULL, blocked_timeout_at = NULL,
			    cursor_node_index = COALESCE($3, cursor_node_index),
			    output = COALESCE($4, output), updated_at = now()
			WHERE id = $1 AND status = 'blocked' AND blocked_request_id = $2
			RETURNING `+runColumns,
			runID, expectedRequestID, cursorArg, out)
		run, err := scanRun(row)
		return run, ev, err
	})
}

// MarkSucceeded finishes a running run. Terminal states never transition
// again; losers get nil, nil.
func (s *RunStore) MarkSucceeded(ctx context.Context, runID string, output *models.ProgressSnapshot, ev *models.RunEvent) (*models.WorkflowRun, error) {
	out, err := jsonbOrNull(output)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, func(tx *sql.Tx) (*models.WorkflowRun, *models.RunEvent, error) {
		row := tx.QueryRowContext(ctx, `
			UPDATE workflow_runs
			SET status = 'succeeded', output = COALESCE($2, output), error = NULL,
			    blocked_request_id = NULL, blocked_node_id = NULL, blocked_node_type = NULL,
			    blocked_kind = NULL, blocked_timeout_at = NULL,
			    finished_at = now(), updated_at = now()
			WHERE id = $1 AND status IN ('running', 'blocked')
			RETURNING `+runColumns, runID, out)
		run, err := scanRun(row)
		return run, ev, err
	})
}

// MarkFailed terminally fails a run that is out of attempts (or failed a
// non-retryable way). Losers get nil, nil.
func (s *RunStore) MarkFailed(ctx context.Context, runID, errMsg string, output *models.ProgressSnapshot, ev *models.RunEvent) (*models.WorkflowRun, error) {
	out, err := jsonbOrNull(output)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, func(tx *sql.Tx) (*models.WorkflowRun, *models.RunEvent, error) {
		row := tx.QueryRowContext(ctx, `
			UPDATE workflow_runs
			SET status = 'failed', error = $2, output = COALESCE($3, output),
			    blocked_request_id = NULL, blocked_node_id = NULL, blocked_node_type = NULL,
			    blocked_kind = NULL, blocked_timeout_at = NULL,
			    finished_at = now(), updated_at = now()
			WHERE id = $1 AND status IN ('queued', 'running', 'blocked')
			RETURNING `+runColumns, runID, strOrNull(errMsg), out)
		run, err := scanRun(row)
		return run, ev, err
	})
}

// QueueForRetry returns a failed attempt to the queue. The caller computes
// nextAttemptAt from the backoff policy and re-enqueues a run job after the
// transition commits.
func (s *RunStore) QueueForRetry(ctx context.Context, runID, errMsg string, nextAttemptAt *time.Time, ev *models.RunEvent) (*models.WorkflowRun, error) {
	return s.transition(ctx, func(tx *sql.Tx) (*models.WorkflowRun, *models.RunEvent, error) {
		row := tx.QueryRowContext(ctx, `
			UPDATE workflow_runs
			SET status = 'queued', error = $2, next_attempt_at = $3,
			    blocked_request_id = NULL, blocked_node_id = NULL, blocked_node_type = NULL,
			    blocked_kind = NULL, blocked_timeout_at = NULL, updated_at = now()
			WHERE id = $1 AND status IN ('running', 'blocked')
			RETURNING `+runColumns, runID, strOrNull(errMsg), timeOrNull(nextAttemptAt))
		run, err := scanRun(row)
		return run, ev, err
	})
}

// ClaimNextQueued atomically claims the oldest queued run whose
// next_attempt_at has passed, transitioning it to running with a bumped
// attempt. Returns nil, nil when nothing is claimable.
func (s *RunStore) ClaimNextQueued(ctx context.Context) (*models.WorkflowRun, error) {
	return s.transition(ctx, func(tx *sql.Tx) (*models.WorkflowRun, *models.RunEvent, error) {
		var runID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM workflow_runs
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= now())
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`).Scan(&runID)
		if err != nil {
			return nil, nil, err
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE workflow_runs
			SET status = 'running', attempt_count = attempt_count + 1, cursor_node_index = 0,
			    output = NULL, error = NULL, next_attempt_at = NULL,
			    started_at = COALESCE(started_at, now()), updated_at = now()
			WHERE id = $1
			RETURNING `+runColumns, runID)
		run, err := scanRun(row)
		if err != nil {
			return nil, nil, err
		}
		ev := &models.RunEvent{
			EventType: models.EventRunStarted,
			Message:   "workflow run started",
			Payload:   map[string]any{"attempt": run.AttemptCount},
		}
		return run, ev, nil
	})
}

// ListBlockedTimedOut returns blocked runs whose timeout deadline passed.
// The reaper turns each into a synthetic timeout continuation.
func (s *RunStore) ListBlockedTimedOut(ctx context.Context, limit int) ([]*models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE status = 'blocked' AND blocked_timeout_at IS NOT NULL AND blocked_timeout_at <= now()
		ORDER BY blocked_timeout_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list timed-out blocked runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListQueuedReady returns queued runs ready to execute. The startup sweep
// re-enqueues jobs for them in case the process died between a transition
// and its enqueue.
func (s *RunStore) ListQueuedReady(ctx context.Context, limit int) ([]*models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunningStale returns running runs whose row has not been touched since
// the cutoff. Every live stepping path bumps updated_at (claims, checkpoints,
// block and resume transitions), so an old timestamp marks a candidate for
// the reaper's stranded-run check.
func (s *RunStore) ListRunningStale(ctx context.Context, olderThan time.Duration, limit int) ([]*models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE status = 'running' AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at
		LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale running runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountByStatus returns run counts per status for metrics and health.
func (s *RunStore) CountByStatus(ctx context.Context) (map[models.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// DeleteTerminalOlderThan removes terminal runs finished before the cutoff,
// along with their events. Used by the retention cleaner.
func (s *RunStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM workflow_runs
		WHERE status IN ('succeeded', 'failed') AND finished_at < $1
		ORDER BY finished_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to select expired runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("failed to delete run events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return int(n), nil
}

// transition runs a guarded state change in one transaction and appends its
// event. fn returning sql.ErrNoRows means the guard lost; the caller sees
// nil, nil and exits quietly per the transition contract.
func (s *RunStore) transition(ctx context.Context, fn func(tx *sql.Tx) (*models.WorkflowRun, *models.RunEvent, error)) (*models.WorkflowRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, ev, err := fn(tx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition failed: %w", err)
	}

	if ev != nil && s.pub != nil {
		ev.RunID = run.ID
		if ev.AttemptCount == 0 {
			ev.AttemptCount = run.AttemptCount
		}
		if _, err := s.pub.AppendTx(ctx, tx, ev); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return run, nil
}

func scanRun(row rowScanner) (*models.WorkflowRun, error) {
	var (
		run              models.WorkflowRun
		requestedBy      sql.NullString
		inputRaw         []byte
		outputRaw        []byte
		errMsg           sql.NullString
		blockedRequestID sql.NullString
		blockedNodeID    sql.NullString
		blockedNodeType  sql.NullString
		blockedKind      sql.NullString
		blockedTimeoutAt sql.NullTime
		nextAttemptAt    sql.NullTime
		startedAt        sql.NullTime
		finishedAt       sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.OrganizationID, &run.WorkflowID, &run.TriggerType, &requestedBy, &inputRaw,
		&run.Status, &run.AttemptCount, &run.MaxAttempts, &run.CursorNodeIndex, &outputRaw, &errMsg,
		&blockedRequestID, &blockedNodeID, &blockedNodeType, &blockedKind, &blockedTimeoutAt,
		&nextAttemptAt, &startedAt, &finishedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.RequestedByUserID = fromNullString(requestedBy)
	run.Error = fromNullString(errMsg)
	run.BlockedRequestID = fromNullString(blockedRequestID)
	run.BlockedNodeID = fromNullString(blockedNodeID)
	run.BlockedNodeType = fromNullString(blockedNodeType)
	run.BlockedKind = fromNullString(blockedKind)
	run.BlockedTimeoutAt = fromNullTime(blockedTimeoutAt)
	run.NextAttemptAt = fromNullTime(nextAttemptAt)
	run.StartedAt = fromNullTime(startedAt)
	run.FinishedAt = fromNullTime(finishedAt)

	if err := unmarshalInto(inputRaw, &run.Input); err != nil {
		return nil, err
	}
	if len(outputRaw) > 0 {
		run.Output = &models.ProgressSnapshot{}
		if err := unmarshalInto(outputRaw, run.Output); err != nil {
			return nil, err
		}
	}
	return &run, nil
}
