// Package models defines the persisted and wire-level shapes shared across
// the store, queues, gateway, stepper, and agent loop.
package models

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// WorkflowRun is one execution of a workflow version for an organization.
type WorkflowRun struct {
	ID                string
	OrganizationID    string
	WorkflowID        string
	TriggerType       string
	RequestedByUserID string
	Input             map[string]any

	Status          RunStatus
	AttemptCount    int
	MaxAttempts     int
	CursorNodeIndex int
	Output          *ProgressSnapshot
	Error           string

	BlockedRequestID string
	BlockedNodeID    string
	BlockedNodeType  string
	BlockedKind      string
	BlockedTimeoutAt *time.Time

	NextAttemptAt *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProgressSnapshot is the structured progress stored in the run's output
// column after every checkpoint.
type ProgressSnapshot struct {
	Status  string         `json:"status"`
	Steps   []StepResult   `json:"steps"`
	Output  ProgressTotals `json:"output"`
	Runtime *RunRuntime    `json:"runtime,omitempty"`
}

// StepResult records the terminal outcome of one executed node.
type StepResult struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType,omitempty"`
	Status   string `json:"status"`
	Output   any    `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProgressTotals summarizes node completion for dashboards.
type ProgressTotals struct {
	CompletedNodeCount int    `json:"completedNodeCount"`
	FailedNodeID       string `json:"failedNodeId,omitempty"`
}

// RunRuntime is the mutable per-run runtime state carried inside the
// progress snapshot. The JSON layout is wire-stable: continuations and
// steppers in different processes exchange it through the run row.
type RunRuntime struct {
	AgentRuns           map[string]*AgentRunState `json:"agentRuns,omitempty"`
	PendingRemoteResult *PendingRemoteResult      `json:"pendingRemoteResult,omitempty"`
	GraphV3             *GraphV3State             `json:"graphV3,omitempty"`
}

// Merge folds runtime updates returned by a node executor into the run's
// runtime. Agent states merge per node id; the other fields are replaced
// when the update sets them.
func (r *RunRuntime) Merge(update *RunRuntime) {
	if update == nil {
		return
	}
	if len(update.AgentRuns) > 0 {
		if r.AgentRuns == nil {
			r.AgentRuns = make(map[string]*AgentRunState, len(update.AgentRuns))
		}
		for nodeID, state := range update.AgentRuns {
			r.AgentRuns[nodeID] = state
		}
	}
	if update.PendingRemoteResult != nil {
		r.PendingRemoteResult = update.PendingRemoteResult
	}
	if update.GraphV3 != nil {
		r.GraphV3 = update.GraphV3
	}
}

// PendingRemoteResult is staged by a continuation and consumed exactly once
// by the next stepper invocation for the run.
type PendingRemoteResult struct {
	RequestID string        `json:"requestId"`
	Result    *RemoteResult `json:"result"`
}

// Skip reason codes recorded for graph nodes that never ran.
const (
	SkipReasonConditionNotMet          = "CONDITION_NOT_MET"
	SkipReasonDependenciesNotSatisfied = "DEPENDENCIES_NOT_SATISFIED"
	SkipReasonNotReached               = "NOT_REACHED"
)

// GraphV3State snapshots graph-mode progress: terminal node statuses,
// condition decisions, join counters, and skipped-node classification.
type GraphV3State struct {
	Completed  map[string]string       `json:"completed,omitempty"`
	Conditions map[string]bool         `json:"conditions,omitempty"`
	JoinCounts map[string]int          `json:"joinCounts,omitempty"`
	Skipped    map[string]*SkippedNode `json:"skipped,omitempty"`
}

// SkippedNode explains why a graph node did not execute.
type SkippedNode struct {
	ReasonCode string `json:"reasonCode"`
}
