// Package workflow implements the run stepper: DSL validation, the v2
// linear and v3 graph engines, built-in node executors, and the
// continuation handlers that resume blocked runs when remote results
// arrive.
package workflow

import (
	"context"
	"sync"

	"github.com/vespid/vespid/pkg/models"
)

// EmitFunc appends one event to the run's event log. Emission is
// best-effort: failures are logged by the binding, never surfaced to the
// executor.
type EmitFunc func(ctx context.Context, ev *models.RunEvent)

// CheckpointFunc persists the run's progress snapshot, including runtime,
// without advancing the cursor. Node executors call it before any
// suspension point whose work must survive a worker crash.
type CheckpointFunc func(ctx context.Context) error

// NodeContext carries everything one node execution may consult. A fresh
// context is built per node invocation; executors must not retain it.
type NodeContext struct {
	OrgID        string
	UserID       string
	RunID        string
	WorkflowID   string
	NodeID       string
	NodeType     string
	AttemptCount int

	Node     *models.DSLNode
	DSL      *models.WorkflowDSL
	RunInput map[string]any
	Steps    []models.StepResult
	Runtime  *models.RunRuntime
	Settings *models.OrganizationSettings

	Emit       EmitFunc
	Checkpoint CheckpointFunc

	pendingRemoteResult *models.PendingRemoteResult
	remoteResultClaimed bool
}

// SetPendingRemoteResult stages a remote result for this invocation. Set by
// the stepper when the run resumed from a block at this node.
func (nc *NodeContext) SetPendingRemoteResult(pr *models.PendingRemoteResult) {
	nc.pendingRemoteResult = pr
}

// PendingRemoteResult returns the staged remote result without claiming it.
func (nc *NodeContext) PendingRemoteResult() *models.PendingRemoteResult {
	return nc.pendingRemoteResult
}

// ClaimRemoteResult consumes the staged remote result. Exactly one claim
// succeeds per invocation; the stepper fails the node with
// REMOTE_RESULT_UNEXPECTED when a staged result goes unclaimed.
func (nc *NodeContext) ClaimRemoteResult() *models.PendingRemoteResult {
	if nc.pendingRemoteResult == nil || nc.remoteResultClaimed {
		return nil
	}
	nc.remoteResultClaimed = true
	return nc.pendingRemoteResult
}

// RemoteResultClaimed reports whether the staged result was consumed.
func (nc *NodeContext) RemoteResultClaimed() bool { return nc.remoteResultClaimed }

// NodeExecutor runs one node to a verdict. Implementations return an error
// only for infrastructure faults that should retry the queue job without
// consuming a run attempt; domain failures are failed verdicts.
type NodeExecutor interface {
	Execute(ctx context.Context, nc *NodeContext) (*models.NodeResult, error)
}

// ExecutorFunc adapts a function to the NodeExecutor interface.
type ExecutorFunc func(ctx context.Context, nc *NodeContext) (*models.NodeResult, error)

// Execute implements NodeExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, nc *NodeContext) (*models.NodeResult, error) {
	return f(ctx, nc)
}

// Registry maps node types to executors. Registration happens at wiring
// time; lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]NodeExecutor
}

// NewRegistry returns an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]NodeExecutor)}
}

// Register binds an executor to a node type, replacing any previous binding.
func (r *Registry) Register(nodeType string, ex NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[nodeType] = ex
}

// Resolve returns the executor for a node type.
func (r *Registry) Resolve(nodeType string) (NodeExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.byType[nodeType]
	return ex, ok
}

// Types returns the registered node types, for logging.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	return types
}
