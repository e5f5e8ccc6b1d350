package models

// Agent history entry kinds.
const (
	HistoryToolCall   = "tool_call"
	HistoryToolResult = "tool_result"
)

// AgentRunState is the persisted loop state for one agent.run node, stored
// under runtime.agentRuns[nodeId]. History replays verbatim into the LLM
// message array on resume, so the JSON layout must stay stable.
type AgentRunState struct {
	Turns                  int              `json:"turns"`
	ToolCalls              int              `json:"toolCalls"`
	History                []*AgentHistory  `json:"history,omitempty"`
	ToolResultsByCallIndex map[string]any   `json:"toolResultsByCallIndex,omitempty"`
	PendingToolCall        *PendingToolCall `json:"pendingToolCall,omitempty"`
}

// AgentHistory is one tagged history entry: a tool call issued by the model
// or the summarized result fed back to it.
type AgentHistory struct {
	Kind      string `json:"kind"`
	CallIndex int    `json:"callIndex"`
	ToolID    string `json:"toolId,omitempty"`
	Input     any    `json:"input,omitempty"`
	Status    string `json:"status,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// PendingToolCall marks a tool call whose result is outstanding on a remote
// executor; consumed exactly once when the run resumes.
type PendingToolCall struct {
	ToolID         string         `json:"toolId"`
	Input          map[string]any `json:"input"`
	CallIndex      int            `json:"callIndex"`
	DispatchNodeID string         `json:"dispatchNodeId,omitempty"`
}
