package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/gateway"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/queue"
	"github.com/vespid/vespid/pkg/store"
)

// runJobAttemptSlack pads run-job attempt budgets beyond the run's own
// maxAttempts, covering not-yet-due redeliveries and transient infra errors
// that consume job attempts without consuming run attempts.
const runJobAttemptSlack = 8

// SettingsSource looks up org-level policy consulted during node execution.
// The full settings entity lives outside the core.
type SettingsSource interface {
	OrganizationSettings(ctx context.Context, orgID string) (*models.OrganizationSettings, error)
}

// StaticSettings serves the same settings to every organization. Useful for
// single-tenant deployments and tests.
type StaticSettings models.OrganizationSettings

func (s *StaticSettings) OrganizationSettings(context.Context, string) (*models.OrganizationSettings, error) {
	return (*models.OrganizationSettings)(s), nil
}

// Scrubber learns secret values so downstream log and event sinks can redact
// them. Dispatch secrets ride to workers in the dispatch payload and must
// never survive into anything the store or publisher writes.
type Scrubber interface {
	RegisterValue(value string)
}

// StepperParams wires a Stepper.
type StepperParams struct {
	Runs          *store.RunStore
	Workflows     *store.WorkflowStore
	Publisher     *events.Publisher
	Gateway       gateway.Client
	Executors     *Registry
	RunQueue      *queue.Queue
	Continuations *queue.Queue
	Workflow      *config.WorkflowConfig
	Queue         *config.QueueConfig
	Settings      SettingsSource
	Scrubber      Scrubber
	Logger        *slog.Logger
}

// Stepper consumes run jobs and advances runs node by node: it claims the
// run, executes nodes through the registry, checkpoints progress after every
// node, parks the run when a node blocks on remote work, and applies the
// retry policy when a node fails.
type Stepper struct {
	runs          *store.RunStore
	workflows     *store.WorkflowStore
	publisher     *events.Publisher
	gateway       gateway.Client
	executors     *Registry
	runQueue      *queue.Queue
	continuations *queue.Queue
	cfg           *config.WorkflowConfig
	queueCfg      *config.QueueConfig
	settings      SettingsSource
	scrubber      Scrubber
	logger        *slog.Logger
}

// NewStepper creates a Stepper. Nil config sections fall back to defaults.
func NewStepper(p StepperParams) *Stepper {
	if p.Executors == nil {
		p.Executors = NewRegistry()
	}
	if p.Workflow == nil {
		p.Workflow = config.DefaultWorkflowConfig()
	}
	if p.Queue == nil {
		p.Queue = config.DefaultQueueConfig()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Stepper{
		runs:          p.Runs,
		workflows:     p.Workflows,
		publisher:     p.Publisher,
		gateway:       p.Gateway,
		executors:     p.Executors,
		runQueue:      p.RunQueue,
		continuations: p.Continuations,
		cfg:           p.Workflow,
		queueCfg:      p.Queue,
		settings:      p.Settings,
		scrubber:      p.Scrubber,
		logger:        p.Logger.With("component", "stepper"),
	}
}

// EnqueueRun enqueues the stepping job for a run, deduped to one live job per
// run. The job carries enough attempts to cover every run attempt plus
// rescheduling slack, with the workflow retry base as its backoff so queue
// rescheduling and run.nextAttemptAt agree.
func EnqueueRun(ctx context.Context, q *queue.Queue, cfg *config.WorkflowConfig, run *models.WorkflowRun) error {
	var backoff time.Duration
	if cfg != nil {
		backoff = cfg.RetryBackoff
	}
	_, err := q.Enqueue(ctx, &models.RunJob{
		RunID:             run.ID,
		OrgID:             run.OrganizationID,
		WorkflowID:        run.WorkflowID,
		RequestedByUserID: run.RequestedByUserID,
	},
		queue.WithJobID(queue.RunJobID(run.ID)),
		queue.WithMaxAttempts(run.MaxAttempts+runJobAttemptSlack),
		queue.WithBackoff(backoff),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue run job: %w", err)
	}
	return nil
}

// Handle is the run-queue handler: it decodes the job and steps the run.
func (s *Stepper) Handle(ctx context.Context, job *queue.Job) error {
	var rj models.RunJob
	if err := job.Decode(&rj); err != nil {
		s.logger.Error("dropping malformed run job", "job_id", job.ID, "error", err)
		return nil
	}
	return s.Step(ctx, rj.RunID)
}

// Step advances one run until it blocks, finishes, or exhausts its attempts.
// A returned error reschedules the job; every terminal outcome returns nil.
func (s *Stepper) Step(ctx context.Context, runID string) error {
	run, err := s.runs.GetRunByID(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("run job references a missing run", "run_id", runID)
		return nil
	}
	if err != nil {
		return err
	}

	log := s.logger.With("run_id", run.ID, "workflow_id", run.WorkflowID)

	// Ownership guards: terminal runs are done, blocked runs are waiting on a
	// continuation, and a running run with an outstanding request belongs to
	// the stepper that parked it.
	if run.Status.IsTerminal() {
		log.Debug("run already terminal", "status", run.Status)
		return nil
	}
	if run.Status == models.RunStatusBlocked {
		log.Debug("run is blocked on a remote request", "request_id", run.BlockedRequestID)
		return nil
	}
	if run.Status == models.RunStatusRunning && run.BlockedRequestID != "" {
		log.Debug("run is owned by another stepper")
		return nil
	}
	if run.Status == models.RunStatusQueued && run.NextAttemptAt != nil {
		if wait := time.Until(*run.NextAttemptAt); wait > 0 {
			return fmt.Errorf("run %s is not due for %s", run.ID, wait.Round(time.Millisecond))
		}
	}

	wf, err := s.workflows.GetWorkflowByID(ctx, run.WorkflowID)
	if errors.Is(err, store.ErrNotFound) {
		return s.failBeforeStart(ctx, log, run, models.CodeWorkflowNotPublished)
	}
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowStatusPublished {
		return s.failBeforeStart(ctx, log, run, models.CodeWorkflowNotPublished)
	}
	if err := ValidateDSL(wf.DSL); err != nil {
		// Published versions are validated at publish time; a broken DSL here
		// means the row was written around the store.
		return s.failBeforeStart(ctx, log, run,
			fmt.Sprintf("%s: %v", models.CodeWorkflowNotPublished, err))
	}

	var ps *progressState
	switch run.Status {
	case models.RunStatusQueued:
		claimed, err := s.runs.MarkRunning(ctx, run.ID)
		if err != nil {
			return err
		}
		if claimed == nil {
			log.Debug("lost the claim race")
			return nil
		}
		run = claimed
		ps = newProgressState()
	case models.RunStatusRunning:
		ps = resumeProgressState(run)
	default:
		return nil
	}

	log = log.With("attempt", run.AttemptCount)

	// A staged remote result belongs to the node that blocked. That node is
	// the next one executed (cursor for v2, deterministic re-pick for v3), so
	// the result is handed to the first execution of this invocation.
	pending := ps.runtime.PendingRemoteResult
	ps.runtime.PendingRemoteResult = nil

	st := &stepState{
		run:      run,
		wf:       wf,
		ps:       ps,
		pending:  pending,
		settings: s.orgSettings(ctx, run.OrganizationID),
		log:      log,
	}

	var stepErr error
	if wf.DSL.Version == DSLVersionGraph {
		stepErr = s.runGraph(ctx, st)
	} else {
		stepErr = s.runLinear(ctx, st)
	}

	var nf *nodeFailure
	switch {
	case stepErr == nil:
		return nil
	case errors.As(stepErr, &nf):
		return s.failOrRetry(ctx, st, nf)
	default:
		return stepErr
	}
}

// stepState is the working state of one stepper invocation.
type stepState struct {
	run      *models.WorkflowRun
	wf       *models.Workflow
	ps       *progressState
	pending  *models.PendingRemoteResult
	settings *models.OrganizationSettings
	log      *slog.Logger
}

// nodeFailure carries a node's terminal failure out of the dispatch loop to
// the outer retry policy.
type nodeFailure struct {
	nodeID   string
	nodeType string
	code     string
}

func (e *nodeFailure) Error() string {
	return fmt.Sprintf("node %s failed: %s", e.nodeID, e.code)
}

// runLinear executes v2 node lists in index order from the cursor.
func (s *Stepper) runLinear(ctx context.Context, st *stepState) error {
	nodes := st.wf.DSL.Nodes
	for st.ps.cursor < len(nodes) {
		node := nodes[st.ps.cursor]
		result, err := s.executeNode(ctx, st, node)
		if err != nil {
			return err
		}
		if result.Status == models.NodeBlocked {
			return s.block(ctx, st, node, result)
		}

		st.ps.appendStep(node, result)
		if result.Status == models.NodeFailed {
			return &nodeFailure{nodeID: node.ID, nodeType: node.Type, code: result.Error}
		}
		st.ps.cursor++
		if err := s.checkpoint(ctx, st); err != nil {
			return err
		}
	}
	return s.succeed(ctx, st)
}

// runGraph executes v3 DAGs: repeatedly pick the smallest ready node, run it,
// checkpoint, and stop at the first failure. When nothing is ready the
// remaining nodes are classified as skipped and the run succeeds.
func (s *Stepper) runGraph(ctx context.Context, st *stepState) error {
	gst := ensureGraphState(st.ps.runtime)
	for {
		node := nextReadyNode(st.wf.DSL, gst)
		if node == nil {
			break
		}
		result, err := s.executeNode(ctx, st, node)
		if err != nil {
			return err
		}
		if result.Status == models.NodeBlocked {
			return s.block(ctx, st, node, result)
		}

		gst.Completed[node.ID] = string(result.Status)
		if result.Status == models.NodeSucceeded {
			switch node.Type {
			case models.NodeTypeCondition:
				if out, ok := result.Output.(*ConditionOutcome); ok {
					gst.Conditions[node.ID] = out.Result
				}
			case models.NodeTypeParallelJoin:
				gst.JoinCounts[node.ID] = satisfiedIncomingCount(st.wf.DSL, gst, node.ID)
			}
		}

		st.ps.appendStep(node, result)
		if result.Status == models.NodeFailed {
			return &nodeFailure{nodeID: node.ID, nodeType: node.Type, code: result.Error}
		}
		if err := s.checkpoint(ctx, st); err != nil {
			return err
		}
	}
	s.recordSkipped(ctx, st)
	return s.succeed(ctx, st)
}

// executeNode runs one node through its registered executor and appends the
// node lifecycle events. A returned error is infrastructure trouble for the
// queue to retry; node-level outcomes come back inside the result.
func (s *Stepper) executeNode(ctx context.Context, st *stepState, node *models.DSLNode) (*models.NodeResult, error) {
	run := st.run
	s.emit(ctx, run, &models.RunEvent{
		EventType: models.EventNodeStarted,
		NodeID:    node.ID,
		NodeType:  node.Type,
	})

	nc := &NodeContext{
		OrgID:        run.OrganizationID,
		UserID:       run.RequestedByUserID,
		RunID:        run.ID,
		WorkflowID:   run.WorkflowID,
		NodeID:       node.ID,
		NodeType:     node.Type,
		AttemptCount: run.AttemptCount,
		Node:         node,
		DSL:          st.wf.DSL,
		RunInput:     run.Input,
		Steps:        st.ps.steps,
		Runtime:      st.ps.runtime,
		Settings:     st.settings,
		Emit: func(ctx context.Context, ev *models.RunEvent) {
			if ev.NodeID == "" {
				ev.NodeID = node.ID
			}
			if ev.NodeType == "" {
				ev.NodeType = node.Type
			}
			s.emit(ctx, run, ev)
		},
		Checkpoint: func(ctx context.Context) error {
			return s.checkpoint(ctx, st)
		},
	}
	if st.pending != nil {
		nc.SetPendingRemoteResult(st.pending)
		st.pending = nil
	}

	var result *models.NodeResult
	executor, ok := s.executors.Resolve(node.Type)
	if !ok {
		result = models.FailedResult(models.CodeNodeExecutionFailed,
			map[string]any{"message": "UNKNOWN_NODE_TYPE:" + node.Type})
	} else {
		var err error
		result, err = executor.Execute(ctx, nc)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		if result == nil {
			result = models.FailedResult(models.CodeNodeExecutionFailed,
				map[string]any{"message": "executor returned no result"})
		}
	}

	// A staged remote result nobody claimed means the recovered state does
	// not match the node that produced the request.
	if nc.PendingRemoteResult() != nil {
		result = models.FailedResult(models.CodeRemoteResultUnexpected, nil)
	}

	if result.Runtime != nil {
		st.ps.runtime.Merge(result.Runtime)
	}

	switch result.Status {
	case models.NodeSucceeded:
		s.emit(ctx, run, &models.RunEvent{
			EventType: models.EventNodeSucceeded,
			NodeID:    node.ID,
			NodeType:  node.Type,
			Payload:   map[string]any{"output": result.Output},
		})
	case models.NodeFailed:
		payload := map[string]any{"error": result.Error}
		if result.Output != nil {
			payload["output"] = result.Output
		}
		s.emit(ctx, run, &models.RunEvent{
			EventType: models.EventNodeFailed,
			NodeID:    node.ID,
			NodeType:  node.Type,
			Level:     models.LevelError,
			Message:   result.Error,
			Payload:   payload,
		})
	}
	return result, nil
}

// block parks the run on remote work: dispatch through the gateway, mark the
// run blocked with its node_dispatched event in one transaction, then enqueue
// the poll fallback.
func (s *Stepper) block(ctx context.Context, st *stepState, node *models.DSLNode, result *models.NodeResult) error {
	run := st.run
	block := result.Block
	if block == nil || block.Kind == "" {
		return s.blockFailure(ctx, st, node, models.CodeNodeExecutionFailed)
	}
	if s.continuations == nil {
		return s.blockFailure(ctx, st, node, models.CodeContinuationQueueUnset)
	}

	timeoutMS := block.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = int(s.cfg.NodeExecTimeout / time.Millisecond)
	}
	dispatchNodeID := block.DispatchNodeID
	if dispatchNodeID == "" {
		dispatchNodeID = node.ID
	}
	if s.scrubber != nil && block.Secret != "" {
		s.scrubber.RegisterValue(block.Secret)
	}

	resp, err := s.gateway.Dispatch(ctx, &models.DispatchRequest{
		OrgID:        run.OrganizationID,
		UserID:       run.RequestedByUserID,
		RunID:        run.ID,
		WorkflowID:   run.WorkflowID,
		NodeID:       dispatchNodeID,
		NodeType:     node.Type,
		AttemptCount: run.AttemptCount,
		Kind:         block.Kind,
		Payload:      block.Payload,
		Selector:     block.Selector,
		Secret:       block.Secret,
		TimeoutMS:    timeoutMS,
	})
	if err != nil {
		code := models.CodeOf(err)
		if code == models.CodeGatewayUnavailable {
			// Transport trouble does not consume a run attempt.
			return fmt.Errorf("dispatch for node %s: %w", node.ID, err)
		}
		if code == "" {
			code = models.CodeNodeExecutionFailed
		}
		return s.blockFailure(ctx, st, node, code)
	}

	timeoutAt := time.Now().UTC().Add(time.Duration(timeoutMS) * time.Millisecond)
	ev := &models.RunEvent{
		EventType: models.EventNodeDispatched,
		NodeID:    node.ID,
		NodeType:  node.Type,
		Message:   block.Kind,
		Payload:   map[string]any{"requestId": resp.RequestID, "kind": block.Kind},
	}
	blocked, err := s.runs.MarkBlocked(ctx, run.ID, store.BlockParams{
		Cursor:    st.ps.cursor,
		RequestID: resp.RequestID,
		NodeID:    node.ID,
		NodeType:  node.Type,
		Kind:      block.Kind,
		TimeoutAt: &timeoutAt,
		Output:    st.ps.snapshot(string(models.RunStatusBlocked)),
	}, ev)
	if err != nil {
		return err
	}
	if blocked == nil {
		st.log.Warn("lost the block transition",
			"node_id", node.ID, "request_id", resp.RequestID)
		return nil
	}

	pollInterval := s.queueCfg.ContinuationPollInterval
	if _, err := s.continuations.Enqueue(ctx, &models.ContinuationJob{
		Type:         models.ContinuationRemotePoll,
		OrgID:        run.OrganizationID,
		WorkflowID:   run.WorkflowID,
		RunID:        run.ID,
		RequestID:    resp.RequestID,
		AttemptCount: run.AttemptCount,
	},
		queue.WithJobID(queue.PollJobID(resp.RequestID)),
		queue.WithDelay(pollInterval),
		queue.WithFixedBackoff(pollInterval),
		queue.WithMaxAttempts(pollAttempts(timeoutMS, pollInterval)),
	); err != nil {
		// The push path still covers this request; polling is the fallback.
		st.log.Error("failed to enqueue poll fallback",
			"request_id", resp.RequestID, "error", err)
	}

	st.log.Info("run blocked on remote request",
		"node_id", node.ID, "request_id", resp.RequestID, "kind", block.Kind)
	return nil
}

// blockFailure records a node_failed event for a dispatch that never left the
// building and hands the failure to the outer retry policy.
func (s *Stepper) blockFailure(ctx context.Context, st *stepState, node *models.DSLNode, code string) error {
	s.emit(ctx, st.run, &models.RunEvent{
		EventType: models.EventNodeFailed,
		NodeID:    node.ID,
		NodeType:  node.Type,
		Level:     models.LevelError,
		Message:   code,
		Payload:   map[string]any{"error": code},
	})
	st.ps.appendStep(node, models.FailedResult(code, nil))
	return &nodeFailure{nodeID: node.ID, nodeType: node.Type, code: code}
}

// pollAttempts sizes a poll job's attempt budget to outlive the request
// timeout, with slack for the reaper's synthetic timeout to land first.
func pollAttempts(timeoutMS int, interval time.Duration) int {
	if interval <= 0 {
		interval = time.Second
	}
	n := int(time.Duration(timeoutMS)*time.Millisecond/interval) + 5
	if n < 5 {
		n = 5
	}
	return n
}

// failOrRetry applies the outer failure policy: queue another attempt while
// the budget lasts, otherwise fail the run terminally. Terminal transitions
// survive job-context cancellation.
func (s *Stepper) failOrRetry(ctx context.Context, st *stepState, nf *nodeFailure) error {
	ctx = context.WithoutCancel(ctx)
	run := st.run

	if run.AttemptCount < run.MaxAttempts {
		next := time.Now().UTC().Add(s.cfg.RetryDelay(run.AttemptCount))
		ev := &models.RunEvent{
			EventType: models.EventRunRetried,
			Level:     models.LevelWarn,
			NodeID:    nf.nodeID,
			NodeType:  nf.nodeType,
			Message:   nf.code,
			Payload: map[string]any{
				"attempt":       run.AttemptCount,
				"maxAttempts":   run.MaxAttempts,
				"error":         nf.code,
				"nextAttemptAt": next.Format(time.RFC3339),
			},
		}
		if _, err := s.runs.QueueForRetry(ctx, run.ID, nf.code, &next, ev); err != nil {
			return err
		}
		st.log.Warn("run attempt failed, retrying",
			"node_id", nf.nodeID, "error", nf.code, "next_attempt_at", next)
		// Returning an error makes the queue reschedule this job with the
		// matching exponential backoff.
		return fmt.Errorf("attempt %d/%d failed at node %s: %s",
			run.AttemptCount, run.MaxAttempts, nf.nodeID, nf.code)
	}

	if st.wf.DSL.Version == DSLVersionGraph {
		s.recordSkipped(ctx, st)
	}
	out := st.ps.snapshot(string(models.RunStatusFailed))
	out.Output.FailedNodeID = nf.nodeID
	ev := &models.RunEvent{
		EventType: models.EventRunFailed,
		Level:     models.LevelError,
		NodeID:    nf.nodeID,
		NodeType:  nf.nodeType,
		Message:   nf.code,
		Payload: map[string]any{
			"attempt":     run.AttemptCount,
			"maxAttempts": run.MaxAttempts,
			"error":       nf.code,
		},
	}
	if _, err := s.runs.MarkFailed(ctx, run.ID, nf.code, out, ev); err != nil {
		return err
	}
	st.log.Error("run failed", "node_id", nf.nodeID, "error", nf.code)
	return nil
}

// failBeforeStart terminally fails a run that cannot start at all.
func (s *Stepper) failBeforeStart(ctx context.Context, log *slog.Logger, run *models.WorkflowRun, errMsg string) error {
	ev := &models.RunEvent{
		EventType: models.EventRunFailed,
		Level:     models.LevelError,
		Message:   errMsg,
	}
	if _, err := s.runs.MarkFailed(ctx, run.ID, errMsg, nil, ev); err != nil {
		return err
	}
	log.Error("run failed before start", "error", errMsg)
	return nil
}

// succeed finishes a run whose nodes are exhausted.
func (s *Stepper) succeed(ctx context.Context, st *stepState) error {
	ctx = context.WithoutCancel(ctx)
	out := st.ps.snapshot(string(models.RunStatusSucceeded))
	ev := &models.RunEvent{
		EventType: models.EventRunSucceeded,
		Message:   "workflow run succeeded",
		Payload:   map[string]any{"completedNodeCount": out.Output.CompletedNodeCount},
	}
	finished, err := s.runs.MarkSucceeded(ctx, st.run.ID, out, ev)
	if err != nil {
		return err
	}
	if finished == nil {
		st.log.Warn("lost the succeed transition")
		return nil
	}
	st.log.Info("run succeeded", "nodes", len(st.ps.steps))
	return nil
}

// recordSkipped classifies graph nodes that never ran and appends a
// node_skipped event for each.
func (s *Stepper) recordSkipped(ctx context.Context, st *stepState) {
	gst := ensureGraphState(st.ps.runtime)
	for _, nodeID := range classifySkipped(st.wf.DSL, gst) {
		nodeType := ""
		if node := st.wf.DSL.NodeByID(nodeID); node != nil {
			nodeType = node.Type
		}
		reason := gst.Skipped[nodeID].ReasonCode
		s.emit(ctx, st.run, &models.RunEvent{
			EventType: models.EventNodeSkipped,
			NodeID:    nodeID,
			NodeType:  nodeType,
			Message:   reason,
			Payload:   map[string]any{"reasonCode": reason},
		})
	}
}

// checkpoint persists the working progress under the running status.
func (s *Stepper) checkpoint(ctx context.Context, st *stepState) error {
	ok, err := s.runs.UpdateProgress(ctx, st.run.ID,
		st.ps.cursor, st.ps.snapshot(string(models.RunStatusRunning)))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s is no longer running", st.run.ID)
	}
	return nil
}

// emit appends one event to the run log. Append failures are logged, not
// fatal: progress truth lives in the run row.
func (s *Stepper) emit(ctx context.Context, run *models.WorkflowRun, ev *models.RunEvent) {
	if s.publisher == nil {
		return
	}
	ev.RunID = run.ID
	if ev.AttemptCount == 0 {
		ev.AttemptCount = run.AttemptCount
	}
	if _, err := s.publisher.Append(ctx, ev); err != nil {
		s.logger.Error("failed to append run event",
			"run_id", run.ID, "event_type", ev.EventType, "error", err)
	}
}

func (s *Stepper) orgSettings(ctx context.Context, orgID string) *models.OrganizationSettings {
	if s.settings == nil {
		return nil
	}
	settings, err := s.settings.OrganizationSettings(ctx, orgID)
	if err != nil {
		s.logger.Warn("failed to load organization settings", "org_id", orgID, "error", err)
		return nil
	}
	return settings
}

// progressState is the in-memory working copy of a run's progress, flushed
// into the output column at every checkpoint.
type progressState struct {
	cursor  int
	steps   []models.StepResult
	runtime *models.RunRuntime
}

func newProgressState() *progressState {
	return &progressState{runtime: &models.RunRuntime{}}
}

// resumeProgressState rebuilds progress for a run that was already running
// when the job arrived (crash redelivery or post-block continuation).
func resumeProgressState(run *models.WorkflowRun) *progressState {
	ps := newProgressState()
	ps.cursor = run.CursorNodeIndex
	if run.Output != nil {
		ps.steps = run.Output.Steps
		if run.Output.Runtime != nil {
			ps.runtime = run.Output.Runtime
		}
	}
	return ps
}

func (ps *progressState) appendStep(node *models.DSLNode, result *models.NodeResult) {
	ps.steps = append(ps.steps, models.StepResult{
		NodeID:   node.ID,
		NodeType: node.Type,
		Status:   string(result.Status),
		Output:   result.Output,
		Error:    result.Error,
	})
}

// snapshot serializes the working copy for persistence.
func (ps *progressState) snapshot(status string) *models.ProgressSnapshot {
	var totals models.ProgressTotals
	for _, step := range ps.steps {
		if step.Status == string(models.NodeSucceeded) {
			totals.CompletedNodeCount++
		}
	}
	snap := &models.ProgressSnapshot{
		Status: status,
		Steps:  ps.steps,
		Output: totals,
	}
	if ps.runtime != nil && (len(ps.runtime.AgentRuns) > 0 ||
		ps.runtime.PendingRemoteResult != nil || ps.runtime.GraphV3 != nil) {
		snap.Runtime = ps.runtime
	}
	return snap
}
