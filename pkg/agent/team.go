package agent

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/vespid/vespid/pkg/models"
)

// mapParallelCeiling is the hard upper bound on concurrent map children,
// whatever the model or team config asks for.
const mapParallelCeiling = 16

type delegateInput struct {
	TeammateID string         `json:"teammateId"`
	Task       string         `json:"task"`
	Input      map[string]any `json:"input"`
}

type mapToolInput struct {
	Tasks       []*delegateInput `json:"tasks"`
	MaxParallel int              `json:"maxParallel"`
}

// ── team.delegate ───────────────────────────────────────────────────────

func (l *Loop) runDelegateTool(ctx context.Context, s *session, input map[string]any, callIndex int) (*toolOutcome, error) {
	var in delegateInput
	if err := decodeToolInput(input, &in); err != nil {
		return failedOutcome(models.CodeInvalidToolInput,
			map[string]any{"message": err.Error()}), nil
	}
	childKey := s.stateKey + ":team:" + strconv.Itoa(callIndex)
	return l.delegateOnce(ctx, s, &in, childKey, s.persist)
}

// delegateOnce runs one teammate loop to a verdict. Persistent children
// keep resumable state under childKey and may block on remote tools;
// memory-only children (map elements) never touch run state.
func (l *Loop) delegateOnce(ctx context.Context, s *session, in *delegateInput, childKey string, persist bool) (*toolOutcome, error) {
	if in.TeammateID == "" {
		return failedOutcome(models.CodeInvalidToolInput,
			map[string]any{"message": "team.delegate requires teammateId"}), nil
	}
	if s.cfg.Team == nil || len(s.cfg.Team.Teammates) == 0 {
		return failedOutcome(models.CodeTeamNotConfigured, nil), nil
	}
	tm := s.cfg.Team.ByID(in.TeammateID)
	if tm == nil {
		return failedOutcome(models.CodeTeammateNotFound(in.TeammateID), nil), nil
	}

	childInput := map[string]any{
		"parentRunInput": s.runInput,
		"task":           in.Task,
		"input":          in.Input,
	}
	verdict, err := l.run(ctx, s.nc, teammateConfig(s.cfg, tm), childInput, childKey, persist)
	if err != nil {
		return nil, err
	}

	switch verdict.Status {
	case models.NodeBlocked:
		// The child checkpointed its own pending call; the parent rides
		// the same block up to its loop boundary.
		return nil, &errBlocked{block: verdict.Block}
	case models.NodeSucceeded:
		l.dropChildState(s, childKey, persist)
		return succeededOutcome(verdict.Output), nil
	default:
		l.dropChildState(s, childKey, persist)
		return failedOutcome(mapChildErrorCode(verdict.Error), verdict.Output), nil
	}
}

// mapChildErrorCode translates a child allowlist rejection into the team
// policy code the parent model can act on.
func mapChildErrorCode(code string) string {
	if rest, ok := strings.CutPrefix(code, "TOOL_NOT_ALLOWED:"); ok {
		return models.CodeTeamToolPolicyDenied(rest)
	}
	if code == "" {
		return models.CodeTeamDelegateFailed
	}
	return code
}

// dropChildState removes a finished child's loop state; it only matters
// while the child is blocked.
func (l *Loop) dropChildState(s *session, childKey string, persist bool) {
	if !persist || s.nc.Runtime == nil || s.nc.Runtime.AgentRuns == nil {
		return
	}
	delete(s.nc.Runtime.AgentRuns, childKey)
}

// teammateConfig builds the child node config: the teammate's own prompt,
// limits, and output contract, with a tool allowlist narrowed to what both
// parent and teammate permit, minus the team tools themselves.
func teammateConfig(parent *NodeConfig, tm *Teammate) *NodeConfig {
	return &NodeConfig{
		System:           tm.System,
		Instructions:     tm.Instructions,
		Provider:         parent.Provider,
		Model:            parent.Model,
		Output:           tm.Output,
		Tools:            &ToolPolicy{Allow: intersectAllow(parent.Tools, tm.Tools)},
		Limits:           tm.Limits,
		ConnectorSecrets: parent.ConnectorSecrets,
	}
}

func intersectAllow(parent, teammate *ToolPolicy) []string {
	if parent == nil || teammate == nil {
		return nil
	}
	allow := make([]string, 0, len(teammate.Allow))
	for _, id := range teammate.Allow {
		if id == ToolTeamDelegate || id == ToolTeamMap {
			continue
		}
		if parent.Allows(id) {
			allow = append(allow, id)
		}
	}
	return allow
}

// ── team.map ────────────────────────────────────────────────────────────

// runMapTool fans tasks out to teammates with bounded concurrency. Output
// order follows input order. Children run memory-only: they cannot block
// on remote tools and leave no resumable state, so a worker retry re-runs
// the whole fan-out.
func (l *Loop) runMapTool(ctx context.Context, s *session, input map[string]any) (*toolOutcome, error) {
	var in mapToolInput
	if err := decodeToolInput(input, &in); err != nil {
		return failedOutcome(models.CodeInvalidToolInput,
			map[string]any{"message": err.Error()}), nil
	}
	if s.cfg.Team == nil || len(s.cfg.Team.Teammates) == 0 {
		return failedOutcome(models.CodeTeamNotConfigured, nil), nil
	}
	if len(in.Tasks) == 0 {
		return succeededOutcome([]any{}), nil
	}

	bound := mapParallelBound(in.MaxParallel, s.cfg.Team.MaxParallel)
	sem := make(chan struct{}, bound)
	results := make([]any, len(in.Tasks))
	errs := make([]error, len(in.Tasks))

	var wg sync.WaitGroup
	for i, task := range in.Tasks {
		wg.Add(1)
		go func(i int, task *delegateInput) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			if task == nil {
				results[i] = mapElement("", failedOutcome(models.CodeInvalidToolInput, nil))
				return
			}
			childKey := s.stateKey + ":map:" + strconv.Itoa(i)
			out, err := l.delegateOnce(ctx, s, task, childKey, false)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = mapElement(task.TeammateID, out)
		}(i, task)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return succeededOutcome(results), nil
}

// mapParallelBound clamps the fan-out width: the requested width, the team
// configured width, and the hard ceiling, whichever is smallest; at least
// one.
func mapParallelBound(requested, teamMax int) int {
	bound := mapParallelCeiling
	if teamMax > 0 && teamMax < bound {
		bound = teamMax
	}
	if requested > 0 && requested < bound {
		bound = requested
	}
	return bound
}

// mapElement is one position in the map output array.
func mapElement(teammateID string, out *toolOutcome) map[string]any {
	el := map[string]any{
		"status":     out.Status,
		"teammateId": teammateID,
	}
	if out.Status == models.ResultSucceeded {
		el["output"] = out.Result
	} else {
		el["error"] = out.errorCode()
		if m, ok := out.Result.(map[string]any); ok {
			if detail, ok := m["detail"]; ok {
				el["detail"] = detail
			}
		}
	}
	return el
}
