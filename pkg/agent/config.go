package agent

import (
	"encoding/json"
	"time"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/skills"
)

// NodeConfig is the agent.run node configuration. The same shape, minus
// team, configures teammates in delegation.
type NodeConfig struct {
	System        string `json:"system,omitempty"`
	Instructions  string `json:"instructions,omitempty"`
	InputTemplate string `json:"inputTemplate,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Output  *OutputSpec     `json:"output,omitempty"`
	Tools   *ToolPolicy     `json:"tools,omitempty"`
	Limits  *Limits         `json:"limits,omitempty"`
	Team    *TeamConfig     `json:"team,omitempty"`
	Toolset *skills.Toolset `json:"toolset,omitempty"`

	// ConnectorSecrets maps connectorId to the operator-configured secret
	// id used when the model calls that connector's actions. The model
	// itself can never name a secret.
	ConnectorSecrets map[string]string `json:"connectorSecrets,omitempty"`
}

// OutputSpec shapes the final output. Mode "json" requires the output to be
// JSON-encodable; a schema, when present, is validated against it.
type OutputSpec struct {
	Mode       string         `json:"mode,omitempty"`
	JSONSchema map[string]any `json:"jsonSchema,omitempty"`
}

// ToolPolicy is the per-node tool allowlist. An absent policy allows
// nothing: agents only reach tools the operator granted.
type ToolPolicy struct {
	Allow []string `json:"allow,omitempty"`
}

// Allows reports whether the tool id is on the allowlist.
func (p *ToolPolicy) Allows(toolID string) bool {
	if p == nil {
		return false
	}
	for _, id := range p.Allow {
		if id == toolID {
			return true
		}
	}
	return false
}

// AllowedIDs returns the allowlist, empty for an absent policy.
func (p *ToolPolicy) AllowedIDs() []string {
	if p == nil {
		return nil
	}
	return p.Allow
}

// Limits bound one loop execution. Zero fields fall back to the configured
// defaults.
type Limits struct {
	TimeoutMS       int `json:"timeoutMs,omitempty"`
	MaxTurns        int `json:"maxTurns,omitempty"`
	MaxToolCalls    int `json:"maxToolCalls,omitempty"`
	MaxOutputChars  int `json:"maxOutputChars,omitempty"`
	MaxRuntimeChars int `json:"maxRuntimeChars,omitempty"`
}

// TeamConfig declares the teammates a node may delegate to.
type TeamConfig struct {
	Teammates   []*Teammate `json:"teammates,omitempty"`
	MaxParallel int         `json:"maxParallel,omitempty"`
}

// Teammate is one delegation target. Its allowlist intersects with the
// parent's; team tools are always stripped so delegation cannot recurse
// past one level per call.
type Teammate struct {
	ID           string      `json:"id"`
	System       string      `json:"system,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
	Tools        *ToolPolicy `json:"tools,omitempty"`
	Limits       *Limits     `json:"limits,omitempty"`
	Output       *OutputSpec `json:"output,omitempty"`
}

// ByID returns the teammate with the given id, or nil.
func (t *TeamConfig) ByID(id string) *Teammate {
	if t == nil {
		return nil
	}
	for _, tm := range t.Teammates {
		if tm != nil && tm.ID == id {
			return tm
		}
	}
	return nil
}

// decodeNodeConfig maps a node's loose config into the typed struct via
// JSON, the same way the built-in executors decode theirs.
func decodeNodeConfig(cfg map[string]any) (*NodeConfig, error) {
	out := &NodeConfig{}
	if cfg == nil {
		return out, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// resolvedLimits are the effective bounds after applying defaults.
type resolvedLimits struct {
	Timeout         time.Duration
	MaxTurns        int
	MaxToolCalls    int
	MaxOutputChars  int
	MaxRuntimeChars int
}

// resolveLimits merges the node's limits over the configured defaults.
func resolveLimits(l *Limits, defaults config.AgentLimits) resolvedLimits {
	r := resolvedLimits{
		Timeout:         defaults.Timeout,
		MaxTurns:        defaults.MaxTurns,
		MaxToolCalls:    defaults.MaxToolCalls,
		MaxOutputChars:  defaults.MaxOutputChars,
		MaxRuntimeChars: defaults.MaxRuntimeChars,
	}
	if l == nil {
		return r
	}
	if l.TimeoutMS > 0 {
		r.Timeout = time.Duration(l.TimeoutMS) * time.Millisecond
	}
	if l.MaxTurns > 0 {
		r.MaxTurns = l.MaxTurns
	}
	if l.MaxToolCalls > 0 {
		r.MaxToolCalls = l.MaxToolCalls
	}
	if l.MaxOutputChars > 0 {
		r.MaxOutputChars = l.MaxOutputChars
	}
	if l.MaxRuntimeChars > 0 {
		r.MaxRuntimeChars = l.MaxRuntimeChars
	}
	return r
}
