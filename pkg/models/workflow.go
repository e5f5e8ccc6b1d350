package models

import "time"

// WorkflowStatus gates whether a workflow version may be run.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusPublished WorkflowStatus = "published"
)

// Node types the core executes. Unknown types fail the run.
const (
	NodeTypeCondition       = "condition"
	NodeTypeParallelJoin    = "parallel.join"
	NodeTypeAgentExecute    = "agent.execute"
	NodeTypeAgentRun        = "agent.run"
	NodeTypeConnectorAction = "connector.action"
	NodeTypeShellRun        = "shell.run"
	NodeTypeHTTPRequest     = "http.request"
)

// EdgeType classifies a v3 graph edge.
type EdgeType string

const (
	EdgeAlways    EdgeType = "always"
	EdgeCondTrue  EdgeType = "cond_true"
	EdgeCondFalse EdgeType = "cond_false"
)

// Workflow is an identified, versioned graph description. Published
// versions are immutable; a new publish creates a new version.
type Workflow struct {
	ID             string
	OrganizationID string
	Name           string
	Version        int
	Status         WorkflowStatus
	DSL            *WorkflowDSL
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkflowDSL is the stored graph description. Version 2 is an ordered node
// list executed in index order; version 3 adds typed edges forming a DAG.
type WorkflowDSL struct {
	Version int        `json:"version"`
	Nodes   []*DSLNode `json:"nodes"`
	Edges   []*DSLEdge `json:"edges,omitempty"`
}

// DSLNode is one authored node.
type DSLNode struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// DSLEdge connects two v3 nodes.
type DSLEdge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// NodeByID returns the node with the given id, or nil.
func (d *WorkflowDSL) NodeByID(id string) *DSLNode {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// OrganizationSettings carries the org-level policy flags the core consults.
// The full settings entity lives outside this repo.
type OrganizationSettings struct {
	Tools OrganizationToolSettings `json:"tools"`
}

// OrganizationToolSettings holds tool policy switches.
type OrganizationToolSettings struct {
	ShellRunEnabled bool `json:"shellRunEnabled"`
}
