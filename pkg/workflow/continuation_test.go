package workflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/queue"
	"github.com/vespid/vespid/pkg/store"
)

// blockRun parks a freshly created run on the given request id.
func (f *stepperFixture) blockRun(t *testing.T, workflowID, requestID string, timeoutAt time.Time) *models.WorkflowRun {
	t.Helper()
	run := f.createRun(t, workflowID, nil, 3)
	_, err := f.runs.MarkRunning(f.ctx, run.ID)
	require.NoError(t, err)
	blocked, err := f.runs.MarkBlocked(f.ctx, run.ID, store.BlockParams{
		RequestID: requestID,
		NodeID:    "act",
		NodeType:  models.NodeTypeConnectorAction,
		Kind:      models.KindConnectorAction,
		TimeoutAt: &timeoutAt,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, blocked)
	return blocked
}

func TestContinuations_Poll(t *testing.T) {
	f := newStepperFixture(t)
	wf := f.createWorkflow(t, linearDSL(node("act", models.NodeTypeHTTPRequest)),
		models.WorkflowStatusPublished)
	future := time.Now().Add(time.Minute).UTC()

	t.Run("applies a ready result", func(t *testing.T) {
		run := f.blockRun(t, wf.ID, "req-ready", future)
		f.gateway.results["req-ready"] = &models.RemoteResult{
			RequestID: "req-ready",
			Status:    models.ResultSucceeded,
			Output:    map[string]any{"done": true},
		}

		poll := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemotePoll,
			RunID:     run.ID,
			RequestID: "req-ready",
		})
		require.NoError(t, f.conts.Handle(f.ctx, poll))

		got := f.reload(t, run.ID)
		assert.Equal(t, models.RunStatusRunning, got.Status)
		assert.Empty(t, got.BlockedRequestID)
		require.NotNil(t, got.Output.Runtime.PendingRemoteResult)
		assert.Equal(t, "req-ready", got.Output.Runtime.PendingRemoteResult.RequestID)

		received := f.findEvent(t, run.ID, models.EventRemoteResultReceived)
		assert.Equal(t, models.ResultSucceeded, received.Payload["status"])
	})

	t.Run("not ready rides the fixed backoff", func(t *testing.T) {
		run := f.blockRun(t, wf.ID, "req-pending", future)

		poll := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemotePoll,
			RunID:     run.ID,
			RequestID: "req-pending",
		})
		err := f.conts.Handle(f.ctx, poll)
		require.Error(t, err)
		assert.Equal(t, models.CodeResultNotReady, models.CodeOf(err))
		assert.Equal(t, models.RunStatusBlocked, f.reload(t, run.ID).Status)
	})

	t.Run("synthesizes a timeout past the deadline", func(t *testing.T) {
		past := time.Now().Add(-time.Second).UTC()
		run := f.blockRun(t, wf.ID, "req-late", past)
		// The deadline settles the request locally; the gateway must not
		// be asked again.
		f.gateway.fetchErr = errors.New("unexpected fetch")
		defer func() { f.gateway.fetchErr = nil }()

		poll := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemotePoll,
			RunID:     run.ID,
			RequestID: "req-late",
		})
		require.NoError(t, f.conts.Handle(f.ctx, poll))

		got := f.reload(t, run.ID)
		assert.Equal(t, models.RunStatusRunning, got.Status)
		pending := got.Output.Runtime.PendingRemoteResult
		require.NotNil(t, pending)
		require.NotNil(t, pending.Result)
		assert.Equal(t, models.ResultFailed, pending.Result.Status)
		assert.Equal(t, models.CodeNodeExecutionTimeout, pending.Result.Error)

		received := f.findEvent(t, run.ID, models.EventRemoteResultReceived)
		assert.Equal(t, models.CodeNodeExecutionTimeout, received.Payload["error"])
	})

	t.Run("drops when the run moved on", func(t *testing.T) {
		run := f.blockRun(t, wf.ID, "req-done", future)
		_, err := f.runs.ClearBlock(f.ctx, run.ID, "req-done", nil, nil)
		require.NoError(t, err)

		poll := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemotePoll,
			RunID:     run.ID,
			RequestID: "req-done",
		})
		assert.NoError(t, f.conts.Handle(f.ctx, poll))
	})

	t.Run("drops when the run is gone", func(t *testing.T) {
		poll := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemotePoll,
			RunID:     "00000000-0000-0000-0000-000000000000",
			RequestID: "req-x",
		})
		assert.NoError(t, f.conts.Handle(f.ctx, poll))
	})
}

func TestContinuations_Apply(t *testing.T) {
	f := newStepperFixture(t)
	wf := f.createWorkflow(t, linearDSL(node("act", models.NodeTypeHTTPRequest)),
		models.WorkflowStatusPublished)
	future := time.Now().Add(time.Minute).UTC()

	t.Run("stages the result and requeues the run", func(t *testing.T) {
		run := f.blockRun(t, wf.ID, "req-1", future)

		apply := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemoteApply,
			RunID:     run.ID,
			RequestID: "req-1",
			Result: &models.RemoteResult{
				RequestID: "req-1",
				Status:    models.ResultFailed,
				Error:     models.CodeNodeExecutionFailed,
			},
		})
		require.NoError(t, f.conts.Handle(f.ctx, apply))

		got := f.reload(t, run.ID)
		assert.Equal(t, models.RunStatusRunning, got.Status)
		pending := got.Output.Runtime.PendingRemoteResult
		require.NotNil(t, pending)
		assert.Equal(t, models.ResultFailed, pending.Result.Status)

		received := f.findEvent(t, run.ID, models.EventRemoteResultReceived)
		assert.Equal(t, "act", received.NodeID)
		assert.Equal(t, models.CodeNodeExecutionFailed, received.Payload["error"])

		job, err := f.runQueue.Claim(f.ctx, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, queue.RunJobID(run.ID), job.JobID)

		// Redelivered duplicates lose the CAS and drop quietly.
		require.NoError(t, f.conts.Handle(f.ctx, apply))
		_, err = f.runQueue.Claim(f.ctx, "worker-1")
		assert.ErrorIs(t, err, queue.ErrNoJobs)
	})

	t.Run("stale request is dropped", func(t *testing.T) {
		run := f.blockRun(t, wf.ID, "req-current", future)

		apply := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemoteApply,
			RunID:     run.ID,
			RequestID: "req-old",
			Result:    &models.RemoteResult{RequestID: "req-old", Status: models.ResultSucceeded},
		})
		require.NoError(t, f.conts.Handle(f.ctx, apply))

		got := f.reload(t, run.ID)
		assert.Equal(t, models.RunStatusBlocked, got.Status)
		assert.Equal(t, "req-current", got.BlockedRequestID)
	})

	t.Run("missing result is dropped", func(t *testing.T) {
		apply := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemoteApply,
			RunID:     "irrelevant",
			RequestID: "req-nil",
		})
		assert.NoError(t, f.conts.Handle(f.ctx, apply))
	})
}

func TestContinuations_Event(t *testing.T) {
	f := newStepperFixture(t)
	wf := f.createWorkflow(t, linearDSL(node("act", models.NodeTypeHTTPRequest)),
		models.WorkflowStatusPublished)
	run := f.blockRun(t, wf.ID, "req-1", time.Now().Add(time.Minute).UTC())

	t.Run("appends to the run log", func(t *testing.T) {
		job := continuationJob(t, &models.ContinuationJob{
			Type:         models.ContinuationRemoteEvent,
			RunID:        run.ID,
			RequestID:    "req-1",
			AttemptCount: 1,
			Event: &models.RemoteEvent{
				RequestID: "req-1",
				Seq:       3,
				Kind:      "progress",
				Message:   "cloning repository",
				Payload:   map[string]any{"percent": 40},
			},
		})
		require.NoError(t, f.conts.Handle(f.ctx, job))

		ev := f.findEvent(t, run.ID, models.EventRemoteEvent)
		assert.Equal(t, "act", ev.NodeID)
		assert.Equal(t, models.NodeTypeConnectorAction, ev.NodeType)
		assert.Equal(t, models.LevelInfo, ev.Level)
		assert.Equal(t, 1, ev.AttemptCount)
		assert.Equal(t, "cloning repository", ev.Message)
		assert.Equal(t, "req-1", ev.Payload["requestId"])
		assert.Equal(t, float64(3), ev.Payload["seq"])
		assert.Equal(t, "progress", ev.Payload["kind"])
		inner, ok := ev.Payload["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(40), inner["percent"])
	})

	t.Run("keeps the executor's level", func(t *testing.T) {
		job := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemoteEvent,
			RunID:     run.ID,
			RequestID: "req-1",
			Event: &models.RemoteEvent{
				RequestID: "req-1",
				Seq:       4,
				Kind:      "stderr",
				Level:     models.LevelWarn,
				Message:   "retrying fetch",
			},
		})
		require.NoError(t, f.conts.Handle(f.ctx, job))

		evs, err := f.events.ListEvents(f.ctx, run.ID, 0, 100)
		require.NoError(t, err)
		last := evs[len(evs)-1]
		assert.Equal(t, models.EventRemoteEvent, last.EventType)
		assert.Equal(t, models.LevelWarn, last.Level)
	})

	t.Run("missing event payload is dropped", func(t *testing.T) {
		job := continuationJob(t, &models.ContinuationJob{
			Type:      models.ContinuationRemoteEvent,
			RunID:     run.ID,
			RequestID: "req-1",
		})
		assert.NoError(t, f.conts.Handle(f.ctx, job))
	})
}

func TestContinuations_Handle(t *testing.T) {
	f := newStepperFixture(t)

	t.Run("unknown type is dropped", func(t *testing.T) {
		job := continuationJob(t, &models.ContinuationJob{Type: "remote.telepathy"})
		assert.NoError(t, f.conts.Handle(f.ctx, job))
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		job := &queue.Job{ID: 5, Payload: json.RawMessage(`["not","a","job"]`)}
		assert.NoError(t, f.conts.Handle(f.ctx, job))
	})
}
