package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/store"
	"github.com/vespid/vespid/pkg/workflow"
)

// testOrg owns every fixture these tests create.
const testOrg = "org-e2e"

// CreateWorkflow publishes a workflow and returns its id.
func (app *TestApp) CreateWorkflow(t *testing.T, name string, dsl *models.WorkflowDSL) string {
	t.Helper()
	wf, err := app.Workflows.CreateWorkflow(context.Background(), store.CreateWorkflowParams{
		OrganizationID: testOrg,
		Name:           name,
		Status:         models.WorkflowStatusPublished,
		DSL:            dsl,
	})
	require.NoError(t, err)
	return wf.ID
}

// StartRun creates a run and enqueues its stepping job, returning the run id.
func (app *TestApp) StartRun(t *testing.T, workflowID string, input map[string]any, maxAttempts int) string {
	t.Helper()
	ctx := context.Background()
	run, err := app.Runs.CreateRun(ctx, store.CreateRunParams{
		OrganizationID: testOrg,
		WorkflowID:     workflowID,
		TriggerType:    "manual",
		Input:          input,
		MaxAttempts:    maxAttempts,
	})
	require.NoError(t, err)
	require.NoError(t, workflow.EnqueueRun(ctx, app.RunQueue, app.Config.Workflow, run))
	return run.ID
}

// WaitForRunStatus polls until the run reaches one of the expected statuses
// and returns the run in that state.
func (app *TestApp) WaitForRunStatus(t *testing.T, runID string, expected ...models.RunStatus) *models.WorkflowRun {
	t.Helper()
	var last *models.WorkflowRun
	require.Eventually(t, func() bool {
		run, err := app.Runs.GetRunByID(context.Background(), runID)
		if err != nil {
			return false
		}
		last = run
		for _, want := range expected {
			if run.Status == want {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"run %s did not reach status %v (last: %s)", runID, expected, lastStatus(last))
	return last
}

func lastStatus(run *models.WorkflowRun) models.RunStatus {
	if run == nil {
		return "unknown"
	}
	return run.Status
}

// RunEvents returns every persisted event for a run in append order.
func (app *TestApp) RunEvents(t *testing.T, runID string) []*models.RunEvent {
	t.Helper()
	evs, err := app.Events.ListEvents(context.Background(), runID, 0, 500)
	require.NoError(t, err)
	return evs
}

// EventTypes projects an event list to its type sequence.
func EventTypes(evs []*models.RunEvent) []string {
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.EventType
	}
	return types
}

// FindEvent returns the first event of the given type, or nil.
func FindEvent(evs []*models.RunEvent, eventType string) *models.RunEvent {
	for _, ev := range evs {
		if ev.EventType == eventType {
			return ev
		}
	}
	return nil
}

// CountEvents returns how many events of the given type were recorded.
func CountEvents(evs []*models.RunEvent, eventType string) int {
	n := 0
	for _, ev := range evs {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// AllEventsJSON flattens a run's full event log, payloads included, into one
// string so tests can scan for values that must never be persisted.
func (app *TestApp) AllEventsJSON(t *testing.T, runID string) string {
	t.Helper()
	data, err := json.Marshal(app.RunEvents(t, runID))
	require.NoError(t, err)
	return string(data)
}

func linearDSL(nodes ...*models.DSLNode) *models.WorkflowDSL {
	return &models.WorkflowDSL{Version: workflow.DSLVersionLinear, Nodes: nodes}
}

func graphDSL(nodes []*models.DSLNode, edges []*models.DSLEdge) *models.WorkflowDSL {
	return &models.WorkflowDSL{Version: workflow.DSLVersionGraph, Nodes: nodes, Edges: edges}
}

func node(id, nodeType string, config map[string]any) *models.DSLNode {
	return &models.DSLNode{ID: id, Type: nodeType, Config: config}
}

func condNode(id, path, op string) *models.DSLNode {
	return &models.DSLNode{
		ID:     id,
		Type:   models.NodeTypeCondition,
		Config: map[string]any{"path": path, "op": op},
	}
}

func edge(from, to string, t models.EdgeType) *models.DSLEdge {
	return &models.DSLEdge{From: from, To: to, Type: t}
}
