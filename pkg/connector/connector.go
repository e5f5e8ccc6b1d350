// Package connector hosts the community connector catalog: typed actions
// with their own input schemas, executed worker-side against external APIs.
// Executors may also run connector actions remotely; this package is the
// local execution path and the schema authority for both.
package connector

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vespid/vespid/pkg/models"
)

// Env carries environment-derived settings passed to action execution.
type Env struct {
	GithubAPIBaseURL string
}

// DefaultEnv resolves the action environment from process environment
// variables.
func DefaultEnv() Env {
	base := os.Getenv("GITHUB_API_BASE_URL")
	if base == "" {
		base = "https://api.github.com"
	}
	return Env{GithubAPIBaseURL: base}
}

// ActionRequest is one action invocation. Secret is the raw resolved
// credential; it must never be echoed into outputs or events.
type ActionRequest struct {
	OrgID  string
	Input  map[string]any
	Secret string
	Env    Env
}

// ExecuteFunc performs the action against the external system.
type ExecuteFunc func(ctx context.Context, req *ActionRequest) (any, error)

// Action is one operation a connector offers.
type Action struct {
	ID             string
	Description    string
	InputSchema    map[string]any
	RequiresSecret bool
	Execute        ExecuteFunc

	compiled *jsonschema.Schema
}

// ValidateInput checks the input against the action's schema. A nil schema
// accepts anything. Violations carry the INVALID_ACTION_INPUT code.
func (a *Action) ValidateInput(input map[string]any) error {
	if a.compiled == nil {
		return nil
	}
	var payload any
	if input != nil {
		payload = map[string]any(input)
	}
	if err := a.compiled.Validate(payload); err != nil {
		return models.NewCodedError(models.CodeInvalidActionInput, err)
	}
	return nil
}

// Connector is a named group of actions sharing a credential.
type Connector struct {
	ID      string
	Name    string
	Actions map[string]*Action
}

// Registry is the process-wide connector catalog. Action schemas compile at
// registration, so lookups never pay compile cost.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Connector
}

// NewRegistry builds a registry from the given connectors. Registration
// failures are programming errors (bad builtin schemas) and panic.
func NewRegistry(connectors ...*Connector) *Registry {
	r := &Registry{byID: make(map[string]*Connector, len(connectors))}
	for _, c := range connectors {
		if err := r.Register(c); err != nil {
			panic(fmt.Sprintf("connector %s: %v", c.ID, err))
		}
	}
	return r
}

// BuiltinRegistry returns the registry with all built-in connectors.
func BuiltinRegistry() *Registry {
	return NewRegistry(GitHub())
}

// Register compiles the connector's action schemas and adds it to the
// catalog, replacing any previous connector with the same id.
func (r *Registry) Register(c *Connector) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("connector id is required")
	}
	for id, a := range c.Actions {
		if a.InputSchema == nil {
			continue
		}
		compiled, err := compileSchema(a.InputSchema)
		if err != nil {
			return fmt.Errorf("action %s: %w", id, err)
		}
		a.compiled = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID] = c
	return nil
}

// Get returns the connector with the given id.
func (r *Registry) Get(id string) (*Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ResolveAction returns the action for (connectorId, actionId), or an
// ACTION_NOT_SUPPORTED coded error.
func (r *Registry) ResolveAction(connectorID, actionID string) (*Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connectorID]
	if !ok {
		return nil, models.NewCodedError(models.CodeActionNotSupported(connectorID, actionID), nil)
	}
	a, ok := c.Actions[actionID]
	if !ok {
		return nil, models.NewCodedError(models.CodeActionNotSupported(connectorID, actionID), nil)
	}
	return a, nil
}

// IDs returns registered connector ids, for logging.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", map[string]any(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
