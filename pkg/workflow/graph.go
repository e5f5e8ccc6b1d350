package workflow

import (
	"sort"

	"github.com/vespid/vespid/pkg/models"
)

// ensureGraphState returns the runtime's graph snapshot, initializing it on
// first use.
func ensureGraphState(rt *models.RunRuntime) *models.GraphV3State {
	if rt.GraphV3 == nil {
		rt.GraphV3 = &models.GraphV3State{}
	}
	st := rt.GraphV3
	if st.Completed == nil {
		st.Completed = make(map[string]string)
	}
	if st.Conditions == nil {
		st.Conditions = make(map[string]bool)
	}
	if st.JoinCounts == nil {
		st.JoinCounts = make(map[string]int)
	}
	if st.Skipped == nil {
		st.Skipped = make(map[string]*models.SkippedNode)
	}
	return st
}

// nextReadyNode returns the lexicographically smallest uncompleted node whose
// incoming edges are all satisfied, or nil when nothing is ready. The pick is
// deterministic: a resumed run with unchanged completion state re-picks the
// same node, which is how a blocked node finds its staged remote result.
func nextReadyNode(dsl *models.WorkflowDSL, st *models.GraphV3State) *models.DSLNode {
	var pick *models.DSLNode
	for _, n := range dsl.Nodes {
		if _, done := st.Completed[n.ID]; done {
			continue
		}
		if !allIncomingSatisfied(dsl, st, n.ID) {
			continue
		}
		if pick == nil || n.ID < pick.ID {
			pick = n
		}
	}
	return pick
}

func allIncomingSatisfied(dsl *models.WorkflowDSL, st *models.GraphV3State, nodeID string) bool {
	for _, e := range dsl.Edges {
		if e.To == nodeID && !edgeSatisfied(e, st) {
			return false
		}
	}
	return true
}

// edgeSatisfied: always-edges need the upstream succeeded; conditional edges
// additionally need the upstream condition's recorded boolean to match the
// edge polarity.
func edgeSatisfied(e *models.DSLEdge, st *models.GraphV3State) bool {
	if st.Completed[e.From] != string(models.NodeSucceeded) {
		return false
	}
	switch e.Type {
	case models.EdgeCondTrue:
		v, ok := st.Conditions[e.From]
		return ok && v
	case models.EdgeCondFalse:
		v, ok := st.Conditions[e.From]
		return ok && !v
	default:
		return true
	}
}

// satisfiedIncomingCount counts the node's currently satisfied incoming
// edges, recorded as the join counter when a parallel.join completes.
func satisfiedIncomingCount(dsl *models.WorkflowDSL, st *models.GraphV3State, nodeID string) int {
	n := 0
	for _, e := range dsl.Edges {
		if e.To == nodeID && edgeSatisfied(e, st) {
			n++
		}
	}
	return n
}

// classifySkipped fills st.Skipped for every node that never completed and
// returns the affected node ids sorted. Classification runs to a fixpoint so
// deadness propagates down chains: a direct condition mismatch is
// CONDITION_NOT_MET, an edge from a failed or skipped upstream is
// DEPENDENCIES_NOT_SATISFIED, and anything still unclassified was simply
// never reached before the run ended.
func classifySkipped(dsl *models.WorkflowDSL, st *models.GraphV3State) []string {
	var skipped []string
	for changed := true; changed; {
		changed = false
		for _, n := range dsl.Nodes {
			if _, done := st.Completed[n.ID]; done {
				continue
			}
			if _, done := st.Skipped[n.ID]; done {
				continue
			}
			reason := skipReason(dsl, st, n.ID)
			if reason == "" {
				continue
			}
			st.Skipped[n.ID] = &models.SkippedNode{ReasonCode: reason}
			skipped = append(skipped, n.ID)
			changed = true
		}
	}
	for _, n := range dsl.Nodes {
		if _, done := st.Completed[n.ID]; done {
			continue
		}
		if _, done := st.Skipped[n.ID]; done {
			continue
		}
		st.Skipped[n.ID] = &models.SkippedNode{ReasonCode: models.SkipReasonNotReached}
		skipped = append(skipped, n.ID)
	}
	sort.Strings(skipped)
	return skipped
}

// skipReason classifies one uncompleted node, or returns "" when none of its
// incoming edges is decidedly dead yet.
func skipReason(dsl *models.WorkflowDSL, st *models.GraphV3State, nodeID string) string {
	reason := ""
	for _, e := range dsl.Edges {
		if e.To != nodeID {
			continue
		}
		if e.Type == models.EdgeCondTrue || e.Type == models.EdgeCondFalse {
			if st.Completed[e.From] == string(models.NodeSucceeded) {
				if v, ok := st.Conditions[e.From]; ok && v != (e.Type == models.EdgeCondTrue) {
					return models.SkipReasonConditionNotMet
				}
			}
		}
		if st.Completed[e.From] == string(models.NodeFailed) || st.Skipped[e.From] != nil {
			reason = models.SkipReasonDependenciesNotSatisfied
		}
	}
	return reason
}
