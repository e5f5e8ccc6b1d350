package models

import "time"

// Run event types appended to the per-run event log.
const (
	EventRunStarted           = "run_started"
	EventRunSucceeded         = "run_succeeded"
	EventRunFailed            = "run_failed"
	EventRunRetried           = "run_retried"
	EventNodeStarted          = "node_started"
	EventNodeSucceeded        = "node_succeeded"
	EventNodeFailed           = "node_failed"
	EventNodeDispatched       = "node_dispatched"
	EventNodeSkipped          = "node_skipped"
	EventRemoteEvent          = "remote_event"
	EventRemoteResultReceived = "remote_result_received"
	EventAgentTurnStarted     = "agent_turn_started"
	EventAgentToolCall        = "agent_tool_call"
	EventAgentToolResult      = "agent_tool_result"
	EventAgentAssistantDelta  = "agent_assistant_delta"
	EventAgentAssistantMsg    = "agent_assistant_message"
	EventAgentFinal           = "agent_final"
	EventAgentRuntimeTrimmed  = "agent_runtime_trimmed"
	EventToolsetSkillsApplied = "toolset_skills_applied"
	EventSessionFailover      = "session_executor_failover"
)

// Event levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// RunEvent is one append-only entry in a run's event log. Seq is strictly
// monotonic per (runId, attemptCount).
type RunEvent struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"runId"`
	AttemptCount int            `json:"attemptCount"`
	Seq          int            `json:"seq"`
	EventType    string         `json:"eventType"`
	NodeID       string         `json:"nodeId,omitempty"`
	NodeType     string         `json:"nodeType,omitempty"`
	Level        string         `json:"level"`
	Message      string         `json:"message,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"ts"`
}
