package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/queue"
	"github.com/vespid/vespid/pkg/store"
	testdb "github.com/vespid/vespid/test/database"
)

// fakeSender records frames instead of writing to a socket.
type fakeSender struct {
	mu      sync.Mutex
	frames  []any
	failing bool
	closed  bool
}

func (f *fakeSender) Send(_ context.Context, frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return fmt.Errorf("socket gone")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close(string) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) executes() []*executeFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*executeFrame
	for _, frame := range f.frames {
		if ef, ok := frame.(*executeFrame); ok {
			out = append(out, ef)
		}
	}
	return out
}

type routerFixture struct {
	ctx           context.Context
	client        *database.Client
	cfg           *config.GatewayConfig
	registry      *Registry
	router        *Router
	continuations *queue.Queue
	executors     *store.ExecutorStore
	eventStore    *store.EventStore
}

func newRouterFixture(t *testing.T, mutate ...func(*config.GatewayConfig)) *routerFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	cfg := config.DefaultGatewayConfig()
	for _, m := range mutate {
		m(cfg)
	}
	registry := NewRegistry()
	continuations := queue.New(client, "workflow-continuations")
	executors := store.NewExecutorStore(client)
	router := NewRouter(registry, executors, continuations, events.NewPublisher(client.DB()), cfg)
	return &routerFixture{
		ctx:           context.Background(),
		client:        client,
		cfg:           cfg,
		registry:      registry,
		router:        router,
		continuations: continuations,
		executors:     executors,
		eventStore:    store.NewEventStore(client),
	}
}

// addExecutor registers a managed executor backed by a fake socket.
func (f *routerFixture) addExecutor(id string, kinds ...string) (*ExecutorConn, *fakeSender) {
	sender := &fakeSender{}
	conn := &ExecutorConn{
		ID:          id,
		Pool:        models.PoolManaged,
		Name:        id,
		Kinds:       kinds,
		MaxInFlight: 4,
		ConnectedAt: time.Now(),
		send:        sender,
	}
	f.registry.Add(conn)
	return conn, sender
}

func (f *routerFixture) dispatch(t *testing.T, req *models.DispatchRequest) string {
	t.Helper()
	resp, err := f.router.Dispatch(f.ctx, req)
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.NotEmpty(t, resp.RequestID)
	return resp.RequestID
}

func (f *routerFixture) claimContinuation(t *testing.T) *queue.Job {
	t.Helper()
	job, err := f.continuations.Claim(f.ctx, "test-worker")
	require.NoError(t, err)
	return job
}

// awaitCondition polls until cond is true or the timeout elapses.
func awaitCondition(t *testing.T, timeout time.Duration, interval time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestRouterDispatchDeliversExecute(t *testing.T) {
	f := newRouterFixture(t)
	_, sender := f.addExecutor("exec-a", models.KindAgentExecute)

	requestID := f.dispatch(t, &models.DispatchRequest{
		OrgID:        "org-1",
		UserID:       "user-1",
		RunID:        "run-1",
		WorkflowID:   "wf-1",
		AttemptCount: 1,
		Kind:         models.KindAgentExecute,
		Payload:      map[string]any{"task": "summarize"},
		Secret:       "tok-abc",
	})

	frames := sender.executes()
	require.Len(t, frames, 1)
	assert.Equal(t, frameExecute, frames[0].Type)
	assert.Equal(t, requestID, frames[0].RequestID)
	assert.Equal(t, "org-1", frames[0].OrgID)
	assert.Equal(t, "user-1", frames[0].UserID)
	assert.Equal(t, models.KindAgentExecute, frames[0].Kind)
	assert.Equal(t, "summarize", frames[0].Payload["task"])
	assert.Equal(t, "tok-abc", frames[0].Secret)

	assert.Equal(t, 1, f.router.PendingCount())
	assert.Equal(t, 1, f.registry.InFlight("exec-a"))

	// Nothing reaches the continuation queue until a result lands.
	depth, err := f.continuations.Depth(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestRouterDispatchNoEligibleExecutor(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.Dispatch(f.ctx, &models.DispatchRequest{
		OrgID: "org-1", Kind: models.KindAgentExecute,
	})
	require.Error(t, err)
	assert.Equal(t, models.CodeNoEligibleExecutor, models.CodeOf(err))
	assert.Equal(t, 0, f.router.PendingCount())
}

func TestRouterDispatchValidatesRequest(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.Dispatch(f.ctx, &models.DispatchRequest{Kind: models.KindAgentExecute})
	assert.True(t, store.IsValidationError(err), "missing orgId should fail validation")

	_, err = f.router.Dispatch(f.ctx, &models.DispatchRequest{OrgID: "org-1"})
	assert.True(t, store.IsValidationError(err), "missing kind should fail validation")
}

func TestRouterDispatchReselectsOnSendFailure(t *testing.T) {
	f := newRouterFixture(t)
	_, senderA := f.addExecutor("exec-a", models.KindAgentExecute)
	senderA.failing = true
	_, senderB := f.addExecutor("exec-b", models.KindAgentExecute)

	requestID := f.dispatch(t, &models.DispatchRequest{
		OrgID: "org-1", RunID: "run-1", Kind: models.KindAgentExecute,
	})

	frames := senderB.executes()
	require.Len(t, frames, 1)
	assert.Equal(t, requestID, frames[0].RequestID)

	// The dead executor is dropped and holds no in-flight slot.
	_, online := f.registry.Get("exec-a")
	assert.False(t, online)
	assert.True(t, senderA.isClosed())
	assert.Equal(t, 0, f.registry.InFlight("exec-a"))
	assert.Equal(t, 1, f.registry.InFlight("exec-b"))
	assert.Equal(t, 1, f.router.PendingCount())
}

func TestRouterResultResolvesPending(t *testing.T) {
	f := newRouterFixture(t)
	f.addExecutor("exec-a", models.KindAgentExecute)

	requestID := f.dispatch(t, &models.DispatchRequest{
		OrgID:        "org-1",
		RunID:        "run-1",
		WorkflowID:   "wf-1",
		AttemptCount: 2,
		Kind:         models.KindAgentExecute,
		Payload:      map[string]any{},
	})

	acked, err := f.router.HandleResult(f.ctx, &models.RemoteResult{
		RequestID: requestID,
		Status:    models.ResultSucceeded,
		Output:    map[string]any{"answer": float64(42)},
	})
	require.NoError(t, err)
	assert.True(t, acked)

	assert.Equal(t, 0, f.router.PendingCount())
	assert.Equal(t, 0, f.registry.InFlight("exec-a"))

	// The poll path serves the stored result.
	res, err := f.router.FetchResult(f.ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSucceeded, res.Status)

	// The push path carries the result to the continuation queue.
	job := f.claimContinuation(t)
	assert.Equal(t, queue.ApplyJobID(requestID), job.JobID)
	var payload models.ContinuationJob
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, models.ContinuationRemoteApply, payload.Type)
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, "org-1", payload.OrgID)
	assert.Equal(t, "wf-1", payload.WorkflowID)
	assert.Equal(t, requestID, payload.RequestID)
	assert.Equal(t, 2, payload.AttemptCount)
	require.NotNil(t, payload.Result)
	assert.Equal(t, models.ResultSucceeded, payload.Result.Status)

	// Duplicate delivery is acked and dropped without a second push.
	acked, err = f.router.HandleResult(f.ctx, &models.RemoteResult{
		RequestID: requestID, Status: models.ResultFailed, Error: "late duplicate",
	})
	require.NoError(t, err)
	assert.True(t, acked)
	_, err = f.continuations.Claim(f.ctx, "test-worker")
	assert.ErrorIs(t, err, queue.ErrNoJobs)

	res, err = f.router.FetchResult(f.ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSucceeded, res.Status, "first result wins")
}

func TestRouterUnknownResultOrphaned(t *testing.T) {
	f := newRouterFixture(t)

	acked, err := f.router.HandleResult(f.ctx, &models.RemoteResult{
		RequestID: "req-from-another-instance",
		Status:    models.ResultSucceeded,
		Output:    "done",
	})
	require.NoError(t, err)
	assert.True(t, acked, "orphans are acked so the executor stops resending")

	res, err := f.router.FetchResult(f.ctx, "req-from-another-instance")
	require.NoError(t, err)
	assert.Equal(t, models.ResultSucceeded, res.Status)

	depth, err := f.continuations.Depth(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "orphaned results must not push continuations")
}

func TestRouterDispatchWithoutRunSkipsQueue(t *testing.T) {
	f := newRouterFixture(t)
	f.addExecutor("exec-a", models.KindAgentExecute)

	requestID := f.dispatch(t, &models.DispatchRequest{
		OrgID: "org-1", Kind: models.KindAgentExecute,
	})

	acked, err := f.router.HandleResult(f.ctx, &models.RemoteResult{
		RequestID: requestID, Status: models.ResultSucceeded,
	})
	require.NoError(t, err)
	assert.True(t, acked)

	_, err = f.router.FetchResult(f.ctx, requestID)
	require.NoError(t, err)

	depth, err := f.continuations.Depth(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "runless dispatches resolve through fetchResult only")
}

func TestRouterFetchResultNotReady(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.FetchResult(f.ctx, "req-unknown")
	require.Error(t, err)
	assert.Equal(t, models.CodeResultNotReady, models.CodeOf(err))
}

func TestRouterTimeoutSynthesizesFailure(t *testing.T) {
	f := newRouterFixture(t, func(cfg *config.GatewayConfig) {
		cfg.DispatchTimeout = 50 * time.Millisecond
	})
	f.addExecutor("exec-a", models.KindAgentExecute)

	requestID := f.dispatch(t, &models.DispatchRequest{
		OrgID: "org-1", RunID: "run-1", WorkflowID: "wf-1", Kind: models.KindAgentExecute,
	})

	awaitCondition(t, 5*time.Second, 20*time.Millisecond, "timeout continuation enqueued", func() bool {
		depth, err := f.continuations.Depth(f.ctx)
		return err == nil && depth == 1
	})

	job := f.claimContinuation(t)
	assert.Equal(t, queue.ApplyJobID(requestID), job.JobID)
	var payload models.ContinuationJob
	require.NoError(t, job.Decode(&payload))
	require.NotNil(t, payload.Result)
	assert.Equal(t, models.ResultFailed, payload.Result.Status)
	assert.Equal(t, models.CodeNodeExecutionTimeout, payload.Result.Error)

	assert.Equal(t, 0, f.router.PendingCount())
	assert.Equal(t, 0, f.registry.InFlight("exec-a"))

	res, err := f.router.FetchResult(f.ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, res.Status)
}

func TestRouterDispatchTimeoutBounds(t *testing.T) {
	rt := NewRouter(NewRegistry(), nil, nil, nil, config.DefaultGatewayConfig())

	tests := []struct {
		name      string
		timeoutMS int
		want      time.Duration
	}{
		{"zero uses default", 0, 60 * time.Second},
		{"explicit timeout honored", 5000, 5 * time.Second},
		{"huge timeout capped", 100_000_000, 600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rt.dispatchTimeout(&models.DispatchRequest{TimeoutMS: tt.timeoutMS})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouterEventForwarded(t *testing.T) {
	f := newRouterFixture(t)
	f.addExecutor("exec-a", models.KindAgentExecute)

	requestID := f.dispatch(t, &models.DispatchRequest{
		OrgID: "org-1", RunID: "run-1", WorkflowID: "wf-1", Kind: models.KindAgentExecute,
	})

	err := f.router.HandleEvent(f.ctx, &models.RemoteEvent{
		RequestID: requestID, Seq: 1, Kind: "log", Level: models.LevelInfo, Message: "step 1 done",
	})
	require.NoError(t, err)

	job := f.claimContinuation(t)
	assert.Empty(t, job.JobID, "events carry no dedup id, every one is appended")
	var payload models.ContinuationJob
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, models.ContinuationRemoteEvent, payload.Type)
	assert.Equal(t, "run-1", payload.RunID)
	require.NotNil(t, payload.Event)
	assert.Equal(t, "step 1 done", payload.Event.Message)

	// Events for unknown requests are buffered, not enqueued.
	require.NoError(t, f.router.HandleEvent(f.ctx, &models.RemoteEvent{
		RequestID: "req-unknown", Kind: "log",
	}))
	_, err = f.continuations.Claim(f.ctx, "test-worker")
	assert.ErrorIs(t, err, queue.ErrNoJobs)
}

func TestRouterRevokedExecutorDroppedAtDispatch(t *testing.T) {
	f := newRouterFixture(t)

	exec, _, err := f.executors.Issue(f.ctx, store.IssueParams{
		OrganizationID: "org-1",
		Pool:           models.PoolBYON,
		Name:           "byon-1",
		Kinds:          []string{models.KindAgentExecute},
	})
	require.NoError(t, err)
	require.NoError(t, f.executors.Revoke(f.ctx, exec.ID))

	sender := &fakeSender{}
	f.registry.Add(&ExecutorConn{
		ID:          exec.ID,
		OrgID:       "org-1",
		Pool:        models.PoolBYON,
		Name:        exec.Name,
		Kinds:       []string{models.KindAgentExecute},
		MaxInFlight: 4,
		ConnectedAt: time.Now(),
		send:        sender,
	})

	_, err = f.router.Dispatch(f.ctx, &models.DispatchRequest{
		OrgID: "org-1", Kind: models.KindAgentExecute,
	})
	require.Error(t, err)
	assert.Equal(t, models.CodeNoEligibleExecutor, models.CodeOf(err))

	_, online := f.registry.Get(exec.ID)
	assert.False(t, online, "revoked executor should be evicted from the registry")
	assert.Empty(t, sender.executes())
}

func TestRouterSessionFailover(t *testing.T) {
	f := newRouterFixture(t)
	connA, senderA := f.addExecutor("exec-a", models.KindAgentExecute)
	_, senderB := f.addExecutor("exec-b", models.KindAgentExecute)

	turn := &models.DispatchRequest{
		OrgID:     "org-1",
		RunID:     "run-1",
		SessionID: "sess-1",
		Kind:      models.KindAgentExecute,
	}

	f.dispatch(t, turn)
	pinned, ok := f.router.Pins().Get("sess-1")
	require.True(t, ok)
	require.Equal(t, "exec-a", pinned)

	// The pin beats round-robin rotation while the executor stays online.
	f.dispatch(t, turn)
	assert.Len(t, senderA.executes(), 2)
	assert.Empty(t, senderB.executes())

	// Executor goes away between turns: the next dispatch re-selects,
	// re-pins, and records the failover on the run's event log.
	f.registry.Remove(connA)
	f.dispatch(t, turn)

	pinned, ok = f.router.Pins().Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "exec-b", pinned)
	assert.Len(t, senderB.executes(), 1)

	evs, err := f.eventStore.ListEvents(f.ctx, "run-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventSessionFailover, evs[0].EventType)
	assert.Equal(t, "sess-1", evs[0].Payload["sessionId"])
	assert.Equal(t, "exec-a", evs[0].Payload["fromExecutorId"])
	assert.Equal(t, "exec-b", evs[0].Payload["toExecutorId"])
}

func TestSessionPins(t *testing.T) {
	pins := NewSessionPins()

	_, ok := pins.Get("sess-1")
	assert.False(t, ok)

	pins.Pin("sess-1", "exec-a")
	pins.Pin("sess-2", "exec-b")
	assert.Equal(t, 2, pins.Len())

	got, ok := pins.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "exec-a", got)

	// Re-pin overwrites.
	pins.Pin("sess-1", "exec-c")
	got, _ = pins.Get("sess-1")
	assert.Equal(t, "exec-c", got)

	pins.Unpin("sess-1")
	_, ok = pins.Get("sess-1")
	assert.False(t, ok)
	assert.Equal(t, 1, pins.Len())
}
