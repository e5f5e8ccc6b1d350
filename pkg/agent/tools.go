package agent

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/vespid/vespid/pkg/connector"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/skills"
)

// Sandbox executes model-initiated work that must not run in the worker
// process: shell tasks and skill entrypoints. The contract is declared
// here, next to its consumer; backends live outside the core.
type Sandbox interface {
	ExecuteShellTask(ctx context.Context, task *models.ShellTask) (*models.ShellTaskResult, error)
	ExecuteSkill(ctx context.Context, task *SkillTask) (any, error)
}

// SkillTask is one skill invocation handed to the sandbox.
type SkillTask struct {
	SkillID string
	Skill   *skills.Skill
	Input   map[string]any
}

// errBlocked carries a dispatch block from tool execution to the loop
// boundary, where it becomes the node's blocked verdict. It travels as an
// error so nested delegate loops propagate it without special plumbing.
type errBlocked struct {
	block *models.Block
}

func (e *errBlocked) Error() string {
	return "tool dispatched to remote executor: " + e.block.Kind
}

// toolOutcome is one tool execution's feedback: recorded in history,
// cached by call index, and replayed to the model as a tool_result user
// message.
type toolOutcome struct {
	Status string
	Result any
}

func succeededOutcome(output any) *toolOutcome {
	return &toolOutcome{Status: models.ResultSucceeded, Result: output}
}

// failedOutcome encodes a tool failure the model can read and react to.
func failedOutcome(code string, detail any) *toolOutcome {
	result := map[string]any{"error": code}
	if detail != nil {
		result["detail"] = detail
	}
	return &toolOutcome{Status: models.ResultFailed, Result: result}
}

// errorCode extracts the failure code from an outcome's result, for tests
// and the delegate error mapping.
func (o *toolOutcome) errorCode() string {
	if o.Status != models.ResultFailed {
		return ""
	}
	m, ok := o.Result.(map[string]any)
	if !ok {
		return ""
	}
	code, _ := m["error"].(string)
	return code
}

// decodeToolInput maps loose tool input into a typed struct via JSON.
func decodeToolInput(input map[string]any, dst any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// dispatchTool routes one tool call to its implementation. The returned
// error is either an *errBlocked dispatch or an infrastructure fault; all
// domain failures come back as failed outcomes for the model to see.
func (l *Loop) dispatchTool(ctx context.Context, s *session, toolID string, input map[string]any, callIndex int) (*toolOutcome, error) {
	switch {
	case toolID == ToolShellRun:
		return l.runShellTool(ctx, s, input)
	case toolID == ToolConnectorAction:
		return l.runConnectorTool(ctx, s, input, callIndex)
	case strings.HasPrefix(toolID, connectorAliasPrefix):
		return l.runConnectorTool(ctx, s, rewriteConnectorAlias(toolID, input), callIndex)
	case strings.HasPrefix(toolID, skillToolPrefix):
		return l.runSkillTool(ctx, s, strings.TrimPrefix(toolID, skillToolPrefix), input)
	case toolID == ToolTeamDelegate:
		return l.runDelegateTool(ctx, s, input, callIndex)
	case toolID == ToolTeamMap:
		return l.runMapTool(ctx, s, input)
	default:
		return failedOutcome(models.CodeToolNotSupported(toolID), nil), nil
	}
}

// Built-in tool ids.
const (
	ToolShellRun        = "shell.run"
	ToolConnectorAction = "connector.action"
	ToolTeamDelegate    = "team.delegate"
	ToolTeamMap         = "team.map"

	connectorAliasPrefix = "connector."
	skillToolPrefix      = "skill."
)

// rewriteConnectorAlias expands connector.<connectorId>.<actionId> into a
// connector.action input, spreading the original input alongside the
// resolved ids. The caller keeps the alias id for accounting.
func rewriteConnectorAlias(toolID string, input map[string]any) map[string]any {
	rest := strings.TrimPrefix(toolID, connectorAliasPrefix)
	connectorID, actionID, ok := strings.Cut(rest, ".")
	rewritten := make(map[string]any, len(input)+2)
	for k, v := range input {
		rewritten[k] = v
	}
	if ok && connectorID != "" && actionID != "" {
		rewritten["connectorId"] = connectorID
		rewritten["actionId"] = actionID
	}
	return rewritten
}

// ── shell.run ───────────────────────────────────────────────────────────

func (l *Loop) runShellTool(ctx context.Context, s *session, input map[string]any) (*toolOutcome, error) {
	if s.nc.Settings == nil || !s.nc.Settings.Tools.ShellRunEnabled {
		return failedOutcome(models.CodeToolPolicyDenied(ToolShellRun), nil), nil
	}

	var task models.ShellTask
	if err := decodeToolInput(input, &task); err != nil {
		return failedOutcome(models.CodeInvalidToolInput,
			map[string]any{"message": err.Error()}), nil
	}
	if task.Command == "" {
		return failedOutcome(models.CodeInvalidToolInput,
			map[string]any{"message": "shell.run requires a command"}), nil
	}
	if l.deps.Sandbox == nil {
		return failedOutcome(models.CodeNodeExecutionFailed,
			map[string]any{"message": "shell sandbox is not configured"}), nil
	}

	result, err := l.deps.Sandbox.ExecuteShellTask(ctx, &task)
	if err != nil {
		return failedOutcome(models.CodeNodeExecutionFailed,
			map[string]any{"message": err.Error()}), nil
	}
	if result.ExitCode != 0 {
		return failedOutcome(models.CodeNodeExecutionFailed, result), nil
	}
	return succeededOutcome(result), nil
}

// ── connector.action ────────────────────────────────────────────────────

type connectorToolInput struct {
	ConnectorID string         `json:"connectorId"`
	ActionID    string         `json:"actionId"`
	Input       map[string]any `json:"input"`
	Auth        *struct {
		SecretID string `json:"secretId"`
	} `json:"auth"`
	Mode      string `json:"mode"`
	Execution *struct {
		Mode string `json:"mode"`
	} `json:"execution"`
	Selector  *models.Selector `json:"selector"`
	TimeoutMS int              `json:"timeoutMs"`
}

// connectorReservedKeys are the envelope-level keys of a connector.action
// input; everything else is action input when no nested input object is
// given (the alias rewrite produces that spread form).
var connectorReservedKeys = map[string]bool{
	"connectorId": true, "actionId": true, "input": true, "auth": true,
	"mode": true, "execution": true, "selector": true, "timeoutMs": true,
}

func (l *Loop) runConnectorTool(ctx context.Context, s *session, input map[string]any, callIndex int) (*toolOutcome, error) {
	var in connectorToolInput
	if err := decodeToolInput(input, &in); err != nil {
		return failedOutcome(models.CodeInvalidToolInput,
			map[string]any{"message": err.Error()}), nil
	}

	// The model never names secrets; operator config binds them per
	// connector.
	if in.Auth != nil && in.Auth.SecretID != "" {
		return failedOutcome(models.CodeToolSecretIDNotAllowed, nil), nil
	}
	if in.ConnectorID == "" || in.ActionID == "" {
		return failedOutcome(models.CodeInvalidToolInput,
			map[string]any{"message": "connector.action requires connectorId and actionId"}), nil
	}

	actionInput := in.Input
	if actionInput == nil {
		actionInput = map[string]any{}
		for k, v := range input {
			if !connectorReservedKeys[k] {
				actionInput[k] = v
			}
		}
	}

	secret, failed := l.resolveConnectorSecret(ctx, s, in.ConnectorID)
	if failed != nil {
		return failed, nil
	}

	mode := in.Mode
	if in.Execution != nil && in.Execution.Mode != "" {
		mode = in.Execution.Mode
	}
	if mode == "node" {
		return nil, &errBlocked{block: &models.Block{
			Kind: models.KindConnectorAction,
			Payload: map[string]any{
				"connectorId": in.ConnectorID,
				"actionId":    in.ActionID,
				"input":       actionInput,
			},
			Selector:       in.Selector,
			Secret:         secret,
			TimeoutMS:      in.TimeoutMS,
			DispatchNodeID: s.stateKey + ":tool:" + strconv.Itoa(callIndex),
		}}
	}

	if l.deps.Connectors == nil {
		return failedOutcome(models.CodeNodeExecutionFailed,
			map[string]any{"message": "connector registry is not configured"}), nil
	}
	action, err := l.deps.Connectors.ResolveAction(in.ConnectorID, in.ActionID)
	if err != nil {
		return failedOutcome(models.CodeOf(err), nil), nil
	}
	if err := action.ValidateInput(actionInput); err != nil {
		return failedOutcome(models.CodeInvalidActionInput,
			map[string]any{"message": err.Error()}), nil
	}
	if action.RequiresSecret && secret == "" {
		return failedOutcome(models.CodeSecretRequired, nil), nil
	}

	out, err := action.Execute(ctx, &connector.ActionRequest{
		OrgID:  s.nc.OrgID,
		Input:  actionInput,
		Secret: secret,
		Env:    l.deps.Env,
	})
	if err != nil {
		return failedOutcome(models.CodeNodeExecutionFailed,
			map[string]any{"message": err.Error()}), nil
	}
	return succeededOutcome(out), nil
}

// resolveConnectorSecret resolves the operator-bound secret for a
// connector. Resolution failures report the code only; raw values never
// appear in outcomes or events.
func (l *Loop) resolveConnectorSecret(ctx context.Context, s *session, connectorID string) (string, *toolOutcome) {
	secretID := s.cfg.ConnectorSecrets[connectorID]
	if secretID == "" {
		return "", nil
	}
	if l.deps.Secrets == nil {
		return "", failedOutcome(models.CodeSecretRequired,
			map[string]any{"message": "no secret resolver configured"})
	}
	secret, err := l.deps.Secrets.Resolve(ctx, s.nc.OrgID, secretID)
	if err != nil || secret == "" {
		return "", failedOutcome(models.CodeSecretRequired, nil)
	}
	return secret, nil
}

// ── skill.<skillId> ─────────────────────────────────────────────────────

func (l *Loop) runSkillTool(ctx context.Context, s *session, skillID string, input map[string]any) (*toolOutcome, error) {
	if l.deps.Skills == nil {
		return failedOutcome(models.CodeSkillNotFound(skillID), nil), nil
	}
	sk, err := l.deps.Skills.Get(skillID)
	if err != nil {
		return failedOutcome(models.CodeOf(err), nil), nil
	}
	if l.deps.Sandbox == nil {
		return failedOutcome(models.CodeNodeExecutionFailed,
			map[string]any{"message": "skill sandbox is not configured"}), nil
	}

	out, err := l.deps.Sandbox.ExecuteSkill(ctx, &SkillTask{
		SkillID: skillID,
		Skill:   sk,
		Input:   input,
	})
	if err != nil {
		return failedOutcome(models.CodeNodeExecutionFailed,
			map[string]any{"message": err.Error()}), nil
	}
	return succeededOutcome(out), nil
}
