package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/queue"
	"github.com/vespid/vespid/pkg/store"
)

// pendingEntry is one dispatched request awaiting a result. The ids carried
// here let the result ingress build the remote.apply continuation without
// touching the database.
type pendingEntry struct {
	requestID  string
	orgID      string
	runID      string
	workflowID string
	kind       string
	executorID string
	attempt    int
	startedAt  time.Time
	timer      *time.Timer
}

// Router owns dispatch and result ingress. Dispatch is asynchronous: the
// caller gets a requestId immediately and the result arrives later through
// the continuation queue (push) or FetchResult (poll).
//
// The pending table is process-local. Results for requests this process
// does not know land in the orphan buffer, where FetchResult still serves
// them; the run's blocked timeout covers everything the buffer cannot.
type Router struct {
	registry      *Registry
	executors     *store.ExecutorStore
	continuations *queue.Queue
	events        *events.Publisher
	pins          *SessionPins
	config        *config.GatewayConfig

	// results holds resolved results for FetchResult; orphans holds
	// results with no local pending entry.
	results *ResultStore
	orphans *ResultStore

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewRouter creates a Router. The publisher may be nil, disabling failover
// events; the executor store may be nil, disabling dispatch-time revocation
// checks (tests).
func NewRouter(registry *Registry, executors *store.ExecutorStore, continuations *queue.Queue,
	publisher *events.Publisher, cfg *config.GatewayConfig) *Router {
	return &Router{
		registry:      registry,
		executors:     executors,
		continuations: continuations,
		events:        publisher,
		pins:          NewSessionPins(),
		config:        cfg,
		results:       NewResultStore(cfg.ResultTTL, 0),
		orphans:       NewResultStore(cfg.OrphanTTL, cfg.OrphanMaxEntries),
		pending:       make(map[string]*pendingEntry),
	}
}

// Pins exposes the session pin map.
func (rt *Router) Pins() *SessionPins { return rt.pins }

// PendingCount returns the number of requests awaiting a result.
func (rt *Router) PendingCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pending)
}

// Dispatch routes one request to an eligible executor and returns its
// requestId. Selection retries past executors whose socket write fails or
// whose pairing record turns out revoked; when the eligible set is
// exhausted the request fails with NO_ELIGIBLE_EXECUTOR.
func (rt *Router) Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error) {
	if req.OrgID == "" {
		return nil, store.NewValidationError("orgId", "is required")
	}
	if req.Kind == "" {
		return nil, store.NewValidationError("kind", "is required")
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var (
		conn       *ExecutorConn
		pinnedFrom string
	)
	for {
		conn = rt.pickExecutor(req, &pinnedFrom)
		if conn == nil {
			recordDispatch(outcomeNoExecutor)
			return nil, models.NewCodedError(models.CodeNoEligibleExecutor, nil)
		}

		// Revocation lives in the store, not the socket: a revoked BYON
		// executor may still hold an open connection, so its row is
		// re-checked per dispatch.
		if conn.Pool == models.PoolBYON && rt.executors != nil {
			row, err := rt.executors.GetByID(ctx, conn.ID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				slog.Warn("Dropping executor with no pairing record", "executor_id", conn.ID)
				rt.registry.Remove(conn)
				continue
			case err != nil:
				return nil, models.NewCodedError(models.CodeGatewayUnavailable, err)
			case row.Revoked:
				slog.Warn("Dropping revoked executor from registry", "executor_id", conn.ID)
				rt.registry.Remove(conn)
				continue
			}
		}

		entry := &pendingEntry{
			requestID:  requestID,
			orgID:      req.OrgID,
			runID:      req.RunID,
			workflowID: req.WorkflowID,
			kind:       req.Kind,
			executorID: conn.ID,
			attempt:    req.AttemptCount,
			startedAt:  time.Now(),
		}
		entry.timer = time.AfterFunc(rt.dispatchTimeout(req), func() {
			rt.expire(requestID)
		})
		rt.mu.Lock()
		rt.pending[requestID] = entry
		rt.mu.Unlock()
		rt.registry.IncInFlight(conn.ID)

		err := conn.Send(ctx, &executeFrame{
			Type:      frameExecute,
			RequestID: requestID,
			OrgID:     req.OrgID,
			UserID:    req.UserID,
			Kind:      req.Kind,
			Payload:   req.Payload,
			Secret:    req.Secret,
		})
		if err == nil {
			break
		}

		slog.Warn("Failed to send execute frame, reselecting",
			"executor_id", conn.ID, "request_id", requestID, "error", err)
		recordDispatch(outcomeSendFailed)
		entry.timer.Stop()
		rt.mu.Lock()
		delete(rt.pending, requestID)
		rt.mu.Unlock()
		rt.registry.DecInFlight(conn.ID)
		rt.registry.Remove(conn)
		conn.Close("execute send failed")
	}

	if req.SessionID != "" {
		rt.pins.Pin(req.SessionID, conn.ID)
		if pinnedFrom != "" && pinnedFrom != conn.ID {
			rt.publishFailover(ctx, req, pinnedFrom, conn.ID)
		}
	}

	recordDispatch(outcomeDispatched)
	return &models.DispatchResponse{RequestID: requestID, Accepted: true}, nil
}

// pickExecutor prefers a session's pinned executor while it remains
// eligible, otherwise falls back to strategy selection and reports the
// broken pin through pinnedFrom.
func (rt *Router) pickExecutor(req *models.DispatchRequest, pinnedFrom *string) *ExecutorConn {
	if req.SessionID != "" {
		if pinnedID, ok := rt.pins.Get(req.SessionID); ok {
			for _, conn := range rt.registry.Eligible(req) {
				if conn.ID == pinnedID {
					return conn
				}
			}
			*pinnedFrom = pinnedID
		}
	}
	conn, ok := rt.registry.Select(req, rt.config.Selection)
	if !ok {
		return nil
	}
	return conn
}

func (rt *Router) dispatchTimeout(req *models.DispatchRequest) time.Duration {
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = rt.config.DispatchTimeout
	}
	if ceil := rt.config.DispatchTimeoutCap; ceil > 0 && timeout > ceil {
		timeout = ceil
	}
	return timeout
}

func (rt *Router) publishFailover(ctx context.Context, req *models.DispatchRequest, from, to string) {
	slog.Info("Session executor failover",
		"session_id", req.SessionID, "from_executor", from, "to_executor", to)
	if rt.events == nil || req.RunID == "" {
		return
	}
	_, err := rt.events.Append(ctx, &models.RunEvent{
		RunID:        req.RunID,
		AttemptCount: req.AttemptCount,
		EventType:    models.EventSessionFailover,
		NodeID:       req.NodeID,
		Level:        models.LevelWarn,
		Message:      "pinned executor offline, session failed over",
		Payload: map[string]any{
			"sessionId":      req.SessionID,
			"fromExecutorId": from,
			"toExecutorId":   to,
		},
	})
	if err != nil {
		slog.Error("Failed to record session failover event",
			"session_id", req.SessionID, "run_id", req.RunID, "error", err)
	}
}

// HandleResult ingests one execute_result frame. The returned ack tells the
// session whether to send execute_ack: true only once the result is durably
// owned by this process (remote.apply enqueued, or buffered for a request
// it never dispatched).
func (rt *Router) HandleResult(ctx context.Context, res *models.RemoteResult) (bool, error) {
	if res.RequestID == "" {
		return false, fmt.Errorf("execute_result missing requestId")
	}

	known, err := rt.complete(ctx, res.RequestID, res)
	if err != nil {
		// No ack: the executor resends and the enqueue is retried. The
		// apply jobId dedup keeps replays collapsed.
		return false, err
	}
	if known {
		recordResult(resultPathPending)
		return true, nil
	}

	// Already resolved earlier (duplicate delivery): ack again, drop.
	if _, ok := rt.results.Get(res.RequestID); ok {
		return true, nil
	}

	// Unknown request: buffered so FetchResult can serve it. Covers results
	// racing past their timer and dispatches owned by another process.
	rt.orphans.Put(res.RequestID, res)
	setOrphanBufferSize(rt.orphans.Len())
	recordResult(resultPathOrphan)
	return true, nil
}

// HandleEvent ingests one execute_event frame, forwarding it to the
// continuation queue for appending to the run's event log.
func (rt *Router) HandleEvent(ctx context.Context, ev *models.RemoteEvent) error {
	if ev.RequestID == "" {
		return fmt.Errorf("execute_event missing requestId")
	}

	rt.mu.Lock()
	entry, ok := rt.pending[ev.RequestID]
	rt.mu.Unlock()
	if !ok {
		rt.orphans.AddEvent(ev.RequestID, ev)
		setOrphanBufferSize(rt.orphans.Len())
		return nil
	}
	if entry.runID == "" {
		return nil
	}

	_, err := rt.continuations.Enqueue(ctx, models.ContinuationJob{
		Type:         models.ContinuationRemoteEvent,
		OrgID:        entry.orgID,
		WorkflowID:   entry.workflowID,
		RunID:        entry.runID,
		RequestID:    ev.RequestID,
		AttemptCount: entry.attempt,
		Event:        ev,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue remote event: %w", err)
	}
	return nil
}

// FetchResult serves the poll path: resolved results first, then the
// orphan buffer, otherwise RESULT_NOT_READY.
func (rt *Router) FetchResult(_ context.Context, requestID string) (*models.RemoteResult, error) {
	if res, ok := rt.results.Get(requestID); ok {
		return res, nil
	}
	if res, ok := rt.orphans.Get(requestID); ok {
		return res, nil
	}
	return nil, models.NewCodedError(models.CodeResultNotReady, nil)
}

// expire is the pending timer callback: the request fails with
// NODE_EXECUTION_TIMEOUT through the same push path as a real result.
func (rt *Router) expire(requestID string) {
	res := &models.RemoteResult{
		RequestID: requestID,
		Status:    models.ResultFailed,
		Error:     models.CodeNodeExecutionTimeout,
	}
	known, err := rt.complete(context.Background(), requestID, res)
	if err != nil {
		// The pending entry stays; a late executor result retries the
		// push, and the run's blocked timeout recovers the rest.
		slog.Error("Failed to push timeout result", "request_id", requestID, "error", err)
		return
	}
	if known {
		recordResult(resultPathTimeout)
		slog.Warn("Dispatched request timed out", "request_id", requestID)
	}
}

// complete resolves a pending request: enqueue the remote.apply first, then
// tear the entry down exactly once. Returns false when the request is not
// pending here. On enqueue failure the entry stays pending so a resend or
// the timer can retry.
func (rt *Router) complete(ctx context.Context, requestID string, res *models.RemoteResult) (bool, error) {
	rt.mu.Lock()
	entry, ok := rt.pending[requestID]
	rt.mu.Unlock()
	if !ok {
		return false, nil
	}

	if entry.runID != "" {
		_, err := rt.continuations.Enqueue(ctx, models.ContinuationJob{
			Type:         models.ContinuationRemoteApply,
			OrgID:        entry.orgID,
			WorkflowID:   entry.workflowID,
			RunID:        entry.runID,
			RequestID:    requestID,
			AttemptCount: entry.attempt,
			Result:       res,
		}, queue.WithJobID(queue.ApplyJobID(requestID)))
		if err != nil {
			return true, fmt.Errorf("failed to enqueue remote apply: %w", err)
		}
	}

	// Result and timer can resolve concurrently; only the first teardown
	// releases the in-flight slot and stores the result.
	rt.mu.Lock()
	_, live := rt.pending[requestID]
	delete(rt.pending, requestID)
	rt.mu.Unlock()
	if !live {
		return true, nil
	}

	entry.timer.Stop()
	rt.registry.DecInFlight(entry.executorID)
	rt.results.Put(requestID, res)
	return true, nil
}
