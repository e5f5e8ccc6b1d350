package workflow

import (
	"fmt"
	"sort"

	"github.com/vespid/vespid/pkg/models"
)

// DSL versions the engine executes.
const (
	DSLVersionLinear = 2
	DSLVersionGraph  = 3
)

// ValidateDSL checks the structural invariants of a workflow DSL. It is
// called at publish time and again before every run start, so a workflow
// that validated under an older build is still re-checked by the stepper
// that executes it.
//
// v2 invariants: at least one node, unique non-empty node ids, no edges.
// v3 invariants: edge endpoints exist, no self-edges, conditional out-edges
// only from condition nodes, no cycles, every node reachable from an entry
// node (a node with no incoming edges).
func ValidateDSL(dsl *models.WorkflowDSL) error {
	if dsl == nil {
		return fmt.Errorf("dsl is required")
	}
	if dsl.Version != DSLVersionLinear && dsl.Version != DSLVersionGraph {
		return fmt.Errorf("unsupported dsl version %d", dsl.Version)
	}
	if len(dsl.Nodes) == 0 {
		return fmt.Errorf("dsl has no nodes")
	}

	byID := make(map[string]*models.DSLNode, len(dsl.Nodes))
	for i, n := range dsl.Nodes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("node %d: id is required", i)
		}
		if n.Type == "" {
			return fmt.Errorf("node %q: type is required", n.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("node %q: duplicate id", n.ID)
		}
		byID[n.ID] = n
		if n.Type == models.NodeTypeCondition {
			if _, err := parseConditionSpec(n.Config); err != nil {
				return fmt.Errorf("node %q: %w", n.ID, err)
			}
		}
	}

	if dsl.Version == DSLVersionLinear {
		if len(dsl.Edges) > 0 {
			return fmt.Errorf("v2 dsl must not declare edges")
		}
		return nil
	}

	seen := make(map[[3]string]bool, len(dsl.Edges))
	for i, e := range dsl.Edges {
		if e == nil {
			return fmt.Errorf("edge %d: empty", i)
		}
		from, ok := byID[e.From]
		if !ok {
			return fmt.Errorf("edge %d: unknown from node %q", i, e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("edge %d: unknown to node %q", i, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("edge %d: self-edge on %q", i, e.From)
		}
		switch e.Type {
		case models.EdgeAlways:
		case models.EdgeCondTrue, models.EdgeCondFalse:
			if from.Type != models.NodeTypeCondition {
				return fmt.Errorf("edge %d: %s edge from non-condition node %q", i, e.Type, e.From)
			}
		default:
			return fmt.Errorf("edge %d: unknown type %q", i, e.Type)
		}
		key := [3]string{e.From, e.To, string(e.Type)}
		if seen[key] {
			return fmt.Errorf("edge %d: duplicate %s -> %s (%s)", i, e.From, e.To, e.Type)
		}
		seen[key] = true
	}

	if cycle := findCycle(dsl); cycle != "" {
		return fmt.Errorf("dsl contains a cycle through %q", cycle)
	}
	if unreachable := findUnreachable(dsl); len(unreachable) > 0 {
		return fmt.Errorf("nodes not reachable from any entry node: %v", unreachable)
	}
	return nil
}

// findCycle runs a three-color DFS and returns a node on a cycle, or "".
func findCycle(dsl *models.WorkflowDSL) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(dsl.Nodes))
	out := outgoing(dsl)

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, e := range out[id] {
			switch color[e.To] {
			case gray:
				return e.To
			case white:
				if hit := visit(e.To); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, n := range dsl.Nodes {
		if color[n.ID] == white {
			if hit := visit(n.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// findUnreachable returns node ids not reachable from any entry node,
// sorted for deterministic error text.
func findUnreachable(dsl *models.WorkflowDSL) []string {
	in := incoming(dsl)
	out := outgoing(dsl)

	reached := make(map[string]bool, len(dsl.Nodes))
	var frontier []string
	for _, n := range dsl.Nodes {
		if len(in[n.ID]) == 0 {
			reached[n.ID] = true
			frontier = append(frontier, n.ID)
		}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, e := range out[id] {
			if !reached[e.To] {
				reached[e.To] = true
				frontier = append(frontier, e.To)
			}
		}
	}

	var missing []string
	for _, n := range dsl.Nodes {
		if !reached[n.ID] {
			missing = append(missing, n.ID)
		}
	}
	sort.Strings(missing)
	return missing
}

// incoming indexes edges by destination node.
func incoming(dsl *models.WorkflowDSL) map[string][]*models.DSLEdge {
	m := make(map[string][]*models.DSLEdge, len(dsl.Nodes))
	for _, e := range dsl.Edges {
		m[e.To] = append(m[e.To], e)
	}
	return m
}

// outgoing indexes edges by source node.
func outgoing(dsl *models.WorkflowDSL) map[string][]*models.DSLEdge {
	m := make(map[string][]*models.DSLEdge, len(dsl.Nodes))
	for _, e := range dsl.Edges {
		m[e.From] = append(m[e.From], e)
	}
	return m
}
