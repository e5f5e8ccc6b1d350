package models

// NodeStatus is the verdict of one node execution.
type NodeStatus string

const (
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeBlocked   NodeStatus = "blocked"
)

// NodeResult is the tagged outcome a node executor returns to the stepper:
// succeeded with output, failed with a stable error code, or blocked with a
// dispatch block. Runtime, when set, is merged into the run's runtime before
// the verdict is acted on.
type NodeResult struct {
	Status  NodeStatus
	Output  any
	Error   string
	Block   *Block
	Runtime *RunRuntime
}

// Block describes the remote work a blocked node is waiting on.
type Block struct {
	Kind           string         `json:"kind"`
	Payload        map[string]any `json:"payload"`
	DispatchNodeID string         `json:"dispatchNodeId,omitempty"`
	Selector       *Selector      `json:"selector,omitempty"`
	Secret         string         `json:"secret,omitempty"`
	TimeoutMS      int            `json:"timeoutMs,omitempty"`
}

// SucceededResult builds a succeeded verdict.
func SucceededResult(output any) *NodeResult {
	return &NodeResult{Status: NodeSucceeded, Output: output}
}

// FailedResult builds a failed verdict carrying a stable error code.
func FailedResult(errCode string, output any) *NodeResult {
	return &NodeResult{Status: NodeFailed, Error: errCode, Output: output}
}

// BlockedResult builds a blocked verdict with the runtime to persist before
// the stepper releases the run.
func BlockedResult(block *Block, runtime *RunRuntime) *NodeResult {
	return &NodeResult{Status: NodeBlocked, Block: block, Runtime: runtime}
}
