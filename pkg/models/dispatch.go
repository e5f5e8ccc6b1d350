package models

// Dispatch kinds routable to executors.
const (
	KindConnectorAction = "connector.action"
	KindAgentExecute    = "agent.execute"
	KindAgentRun        = "agent.run"
)

// Remote result statuses reported by executors.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

// DispatchRequest asks the gateway to route one unit of remote work to an
// eligible executor. RequestID is assigned by the gateway. SessionID marks
// interactive dispatches that pin their executor across turns.
type DispatchRequest struct {
	RequestID    string         `json:"requestId,omitempty"`
	OrgID        string         `json:"orgId"`
	UserID       string         `json:"userId,omitempty"`
	RunID        string         `json:"runId,omitempty"`
	WorkflowID   string         `json:"workflowId,omitempty"`
	NodeID       string         `json:"nodeId,omitempty"`
	NodeType     string         `json:"nodeType,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	AttemptCount int            `json:"attemptCount,omitempty"`
	Kind         string         `json:"kind"`
	Payload      map[string]any `json:"payload"`
	Selector     *Selector      `json:"selector,omitempty"`
	Secret       string         `json:"secret,omitempty"`
	TimeoutMS    int            `json:"timeoutMs,omitempty"`
}

// DispatchResponse acknowledges an accepted dispatch. The result arrives
// later through the continuation queue or fetchResult.
type DispatchResponse struct {
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
}

// Selector narrows the eligible executor set for one dispatch.
type Selector struct {
	Pool       string   `json:"pool,omitempty"`
	ExecutorID string   `json:"executorId,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	Group      string   `json:"group,omitempty"`
	Labels     []string `json:"labels,omitempty"`
}

// RemoteResult is the terminal outcome of one dispatched request.
type RemoteResult struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RemoteEvent is an out-of-band intra-execution event streamed by an
// executor alongside the eventual result.
type RemoteEvent struct {
	RequestID string `json:"requestId"`
	Seq       int    `json:"seq"`
	TS        int64  `json:"ts,omitempty"`
	Kind      string `json:"kind"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}
