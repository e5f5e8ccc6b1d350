package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/gateway"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/queue"
	"github.com/vespid/vespid/pkg/store"
)

// ContinuationParams wires a Continuations handler.
type ContinuationParams struct {
	Runs      *store.RunStore
	Publisher *events.Publisher
	Gateway   gateway.Client
	RunQueue  *queue.Queue
	Workflow  *config.WorkflowConfig
	Logger    *slog.Logger
}

// Continuations consumes the continuation queue: poll fallbacks for blocked
// runs, results pushed by executors, and streamed execution events. Applying
// a result is idempotent because clearBlock requires CAS on the run's
// blockedRequestId; losers drop their update.
type Continuations struct {
	runs      *store.RunStore
	publisher *events.Publisher
	gateway   gateway.Client
	runQueue  *queue.Queue
	cfg       *config.WorkflowConfig
	logger    *slog.Logger
}

// NewContinuations creates the continuation handler set.
func NewContinuations(p ContinuationParams) *Continuations {
	if p.Workflow == nil {
		p.Workflow = config.DefaultWorkflowConfig()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Continuations{
		runs:      p.Runs,
		publisher: p.Publisher,
		gateway:   p.Gateway,
		runQueue:  p.RunQueue,
		cfg:       p.Workflow,
		logger:    p.Logger.With("component", "continuations"),
	}
}

// Handle is the continuation-queue handler, demuxing on the job type.
func (c *Continuations) Handle(ctx context.Context, job *queue.Job) error {
	var cj models.ContinuationJob
	if err := job.Decode(&cj); err != nil {
		c.logger.Error("dropping malformed continuation job", "job_id", job.ID, "error", err)
		return nil
	}
	switch cj.Type {
	case models.ContinuationRemotePoll:
		return c.handlePoll(ctx, &cj)
	case models.ContinuationRemoteApply:
		return c.handleApply(ctx, &cj)
	case models.ContinuationRemoteEvent:
		return c.handleEvent(ctx, &cj)
	default:
		c.logger.Error("dropping continuation job of unknown type",
			"job_id", job.ID, "type", cj.Type)
		return nil
	}
}

// handlePoll is the fallback for push delivery: ask the gateway for the
// result of the request the run is blocked on. Not-ready and unreachable
// both reschedule the poll at its fixed interval; a run past its blocked
// deadline gets a synthetic timeout failure instead of another poll.
func (c *Continuations) handlePoll(ctx context.Context, cj *models.ContinuationJob) error {
	run, err := c.runs.GetRunByID(ctx, cj.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusBlocked || run.BlockedRequestID != cj.RequestID {
		// The result already arrived through the push path, or the run moved
		// on. Either way this poll is done.
		return nil
	}

	if run.BlockedTimeoutAt != nil && !time.Now().Before(*run.BlockedTimeoutAt) {
		c.logger.Warn("blocked run passed its deadline",
			"run_id", run.ID, "request_id", cj.RequestID)
		return c.applyResult(ctx, run, cj.RequestID, &models.RemoteResult{
			RequestID: cj.RequestID,
			Status:    models.ResultFailed,
			Error:     models.CodeNodeExecutionTimeout,
		})
	}

	result, err := c.gateway.FetchResult(ctx, cj.RequestID)
	if err != nil {
		// RESULT_NOT_READY and GATEWAY_UNAVAILABLE ride the job's fixed
		// backoff until the deadline check above settles the request.
		return err
	}
	return c.applyResult(ctx, run, cj.RequestID, result)
}

// handleApply lands a pushed result on its blocked run.
func (c *Continuations) handleApply(ctx context.Context, cj *models.ContinuationJob) error {
	if cj.Result == nil {
		c.logger.Error("dropping remote.apply without a result",
			"run_id", cj.RunID, "request_id", cj.RequestID)
		return nil
	}
	run, err := c.runs.GetRunByID(ctx, cj.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusBlocked || run.BlockedRequestID != cj.RequestID {
		c.logger.Debug("dropping result for a run no longer blocked on it",
			"run_id", cj.RunID, "request_id", cj.RequestID, "status", run.Status)
		return nil
	}
	return c.applyResult(ctx, run, cj.RequestID, cj.Result)
}

// applyResult stages the result in the run's runtime and releases the block
// via CAS on blockedRequestId. A lost CAS means another writer already moved
// the run; the update is dropped. On success the run is re-enqueued and the
// next stepper invocation consumes the staged result at the blocked node.
func (c *Continuations) applyResult(ctx context.Context, run *models.WorkflowRun, requestID string, result *models.RemoteResult) error {
	output := run.Output
	if output == nil {
		output = &models.ProgressSnapshot{}
	}
	if output.Runtime == nil {
		output.Runtime = &models.RunRuntime{}
	}
	output.Status = string(models.RunStatusRunning)
	output.Runtime.PendingRemoteResult = &models.PendingRemoteResult{
		RequestID: requestID,
		Result:    result,
	}

	payload := map[string]any{"requestId": requestID, "status": result.Status}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	ev := &models.RunEvent{
		EventType: models.EventRemoteResultReceived,
		NodeID:    run.BlockedNodeID,
		NodeType:  run.BlockedNodeType,
		Message:   result.Status,
		Payload:   payload,
	}

	cleared, err := c.runs.ClearBlock(ctx, run.ID, requestID, output, ev)
	if err != nil {
		return models.NewCodedError(models.CodeRemoteResultApplyFail, err)
	}
	if cleared == nil {
		c.logger.Warn("dropping remote result for a stale request",
			"run_id", run.ID, "request_id", requestID)
		return nil
	}

	if err := EnqueueRun(ctx, c.runQueue, c.cfg, cleared); err != nil {
		return models.NewCodedError(models.CodeRemoteResultApplyFail, err)
	}
	c.logger.Info("remote result applied",
		"run_id", run.ID, "request_id", requestID, "status", result.Status)
	return nil
}

// handleEvent appends one streamed executor event to the run log.
func (c *Continuations) handleEvent(ctx context.Context, cj *models.ContinuationJob) error {
	if cj.Event == nil {
		return nil
	}
	run, err := c.runs.GetRunByID(ctx, cj.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	attempt := cj.AttemptCount
	if attempt == 0 {
		attempt = run.AttemptCount
	}
	level := cj.Event.Level
	if level == "" {
		level = models.LevelInfo
	}
	payload := map[string]any{
		"requestId": cj.RequestID,
		"seq":       cj.Event.Seq,
		"kind":      cj.Event.Kind,
	}
	if cj.Event.Payload != nil {
		payload["payload"] = cj.Event.Payload
	}

	_, err = c.publisher.Append(ctx, &models.RunEvent{
		RunID:        run.ID,
		AttemptCount: attempt,
		EventType:    models.EventRemoteEvent,
		NodeID:       run.BlockedNodeID,
		NodeType:     run.BlockedNodeType,
		Level:        level,
		Message:      cj.Event.Message,
		Payload:      payload,
	})
	return err
}
