package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vespid/vespid/pkg/connector"
	"github.com/vespid/vespid/pkg/models"
)

// SecretResolver resolves operator-referenced secret ids to raw credential
// values. Secret storage lives outside the core; the worker resolves just
// before dispatch or local execution, and raw values never enter run state.
type SecretResolver interface {
	Resolve(ctx context.Context, orgID, secretID string) (string, error)
}

// ShellSandbox executes validated shell tasks for shell.run nodes. The
// agent package declares its own sandbox contract; one concrete sandbox
// implements both.
type ShellSandbox interface {
	ExecuteShellTask(ctx context.Context, task *models.ShellTask) (*models.ShellTaskResult, error)
}

// BuiltinDeps carries the collaborators built-in node executors use.
type BuiltinDeps struct {
	Conditions *ConditionEvaluator
	Connectors *connector.Registry
	Secrets    SecretResolver
	Sandbox    ShellSandbox
	Env        connector.Env
}

// RegisterBuiltins installs the built-in node executors. agent.run is
// registered separately by the wiring layer, which owns the agent loop's
// collaborators.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	if deps.Conditions == nil {
		deps.Conditions = NewConditionEvaluator(0)
	}
	r.Register(models.NodeTypeCondition, &ConditionExecutor{eval: deps.Conditions})
	r.Register(models.NodeTypeParallelJoin, ExecutorFunc(executeParallelJoin))
	r.Register(models.NodeTypeHTTPRequest, ExecutorFunc(executeHTTPRequestStub))
	r.Register(models.NodeTypeAgentExecute, ExecutorFunc(executeAgentExecute))
	r.Register(models.NodeTypeConnectorAction, &ConnectorActionExecutor{
		connectors: deps.Connectors,
		secrets:    deps.Secrets,
		env:        deps.Env,
	})
	r.Register(models.NodeTypeShellRun, &ShellRunExecutor{sandbox: deps.Sandbox})
}

// decodeConfig maps a node's loose config into a typed struct via JSON.
func decodeConfig(cfg map[string]any, dst any) error {
	if cfg == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// configFailure builds the failed verdict for malformed node config.
func configFailure(detail string) *models.NodeResult {
	return models.FailedResult(models.CodeNodeExecutionFailed, map[string]any{"message": detail})
}

// remoteVerdict converts an applied remote result into the node's verdict.
func remoteVerdict(pr *models.PendingRemoteResult) *models.NodeResult {
	if pr.Result == nil || pr.Result.Status == "" {
		return models.FailedResult(models.CodeRemoteResultUnexpected, nil)
	}
	if pr.Result.Status == models.ResultSucceeded {
		return models.SucceededResult(pr.Result.Output)
	}
	errCode := pr.Result.Error
	if errCode == "" {
		errCode = models.CodeNodeExecutionFailed
	}
	return models.FailedResult(errCode, pr.Result.Output)
}

// ── condition ───────────────────────────────────────────────────────────

// ConditionExecutor evaluates a path comparison against the run input. The
// outcome's boolean drives cond_true/cond_false edges in graph mode.
type ConditionExecutor struct {
	eval *ConditionEvaluator
}

// Execute implements NodeExecutor.
func (e *ConditionExecutor) Execute(ctx context.Context, nc *NodeContext) (*models.NodeResult, error) {
	out, err := e.eval.Evaluate(ctx, nc.Node.Config, nc.RunInput)
	if err != nil {
		return configFailure(err.Error()), nil
	}
	return models.SucceededResult(out), nil
}

// ── parallel.join ───────────────────────────────────────────────────────

// executeParallelJoin reports the fan-in a join observed. The node becomes
// ready only once every incoming edge is satisfied, so execution itself is
// trivial; the output makes the join auditable.
func executeParallelJoin(_ context.Context, nc *NodeContext) (*models.NodeResult, error) {
	var incomingFrom []string
	if nc.DSL != nil {
		for _, e := range nc.DSL.Edges {
			if e.To == nc.NodeID {
				incomingFrom = append(incomingFrom, e.From)
			}
		}
	}
	sort.Strings(incomingFrom)
	if incomingFrom == nil {
		incomingFrom = []string{}
	}
	return models.SucceededResult(map[string]any{
		"joined":            true,
		"requiredIncoming":  len(incomingFrom),
		"satisfiedIncoming": len(incomingFrom),
		"incomingFrom":      incomingFrom,
	}), nil
}

// ── http.request ────────────────────────────────────────────────────────

// executeHTTPRequestStub acknowledges submission of an HTTP request task.
// Actual delivery belongs to an outer system; the core records acceptance.
func executeHTTPRequestStub(_ context.Context, nc *NodeContext) (*models.NodeResult, error) {
	return models.SucceededResult(map[string]any{
		"accepted":  true,
		"requestId": nc.NodeID + "-request",
	}), nil
}

// ── agent.execute ───────────────────────────────────────────────────────

type agentExecuteConfig struct {
	Payload   map[string]any   `json:"payload"`
	Execution executionSetting `json:"execution"`
	Selector  *models.Selector `json:"selector"`
	TimeoutMS int              `json:"timeoutMs"`
}

type executionSetting struct {
	Mode string `json:"mode"`
}

// executeAgentExecute submits an external agent task. With
// execution.mode="node" the task routes to an executor and the run blocks;
// otherwise submission is acknowledged locally.
func executeAgentExecute(_ context.Context, nc *NodeContext) (*models.NodeResult, error) {
	if pr := nc.ClaimRemoteResult(); pr != nil {
		return remoteVerdict(pr), nil
	}

	var cfg agentExecuteConfig
	if err := decodeConfig(nc.Node.Config, &cfg); err != nil {
		return configFailure(fmt.Sprintf("invalid agent.execute config: %v", err)), nil
	}

	if cfg.Execution.Mode == "node" {
		payload := cfg.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		return models.BlockedResult(&models.Block{
			Kind:      models.KindAgentExecute,
			Payload:   payload,
			Selector:  cfg.Selector,
			TimeoutMS: cfg.TimeoutMS,
		}, nil), nil
	}

	return models.SucceededResult(map[string]any{
		"accepted": true,
		"taskId":   nc.NodeID + "-task",
	}), nil
}

// ── connector.action ────────────────────────────────────────────────────

type connectorActionConfig struct {
	ConnectorID string           `json:"connectorId"`
	ActionID    string           `json:"actionId"`
	Input       map[string]any   `json:"input"`
	Execution   executionSetting `json:"execution"`
	Auth        *struct {
		SecretID string `json:"secretId"`
	} `json:"auth"`
	Selector  *models.Selector `json:"selector"`
	TimeoutMS int              `json:"timeoutMs"`
}

// ConnectorActionExecutor runs a community connector action, either locally
// through the connector registry or remotely on an eligible executor when
// execution.mode="node".
type ConnectorActionExecutor struct {
	connectors *connector.Registry
	secrets    SecretResolver
	env        connector.Env
}

// Execute implements NodeExecutor.
func (e *ConnectorActionExecutor) Execute(ctx context.Context, nc *NodeContext) (*models.NodeResult, error) {
	if pr := nc.ClaimRemoteResult(); pr != nil {
		return remoteVerdict(pr), nil
	}

	var cfg connectorActionConfig
	if err := decodeConfig(nc.Node.Config, &cfg); err != nil {
		return configFailure(fmt.Sprintf("invalid connector.action config: %v", err)), nil
	}
	if cfg.ConnectorID == "" || cfg.ActionID == "" {
		return configFailure("connector.action requires connectorId and actionId"), nil
	}

	secret, failed := e.resolveSecret(ctx, nc.OrgID, cfg)
	if failed != nil {
		return failed, nil
	}

	if cfg.Execution.Mode == "node" {
		return models.BlockedResult(&models.Block{
			Kind: models.KindConnectorAction,
			Payload: map[string]any{
				"connectorId": cfg.ConnectorID,
				"actionId":    cfg.ActionID,
				"input":       cfg.Input,
			},
			Selector:  cfg.Selector,
			Secret:    secret,
			TimeoutMS: cfg.TimeoutMS,
		}, nil), nil
	}

	if e.connectors == nil {
		return configFailure("connector registry is not configured"), nil
	}
	action, err := e.connectors.ResolveAction(cfg.ConnectorID, cfg.ActionID)
	if err != nil {
		return models.FailedResult(models.CodeOf(err), nil), nil
	}
	if err := action.ValidateInput(cfg.Input); err != nil {
		return models.FailedResult(models.CodeInvalidActionInput,
			map[string]any{"message": err.Error()}), nil
	}
	if action.RequiresSecret && secret == "" {
		return models.FailedResult(models.CodeSecretRequired, nil), nil
	}

	out, err := action.Execute(ctx, &connector.ActionRequest{
		OrgID:  nc.OrgID,
		Input:  cfg.Input,
		Secret: secret,
		Env:    e.env,
	})
	if err != nil {
		return models.FailedResult(models.CodeNodeExecutionFailed,
			map[string]any{"message": err.Error()}), nil
	}
	return models.SucceededResult(out), nil
}

// resolveSecret resolves the operator-referenced secret id, returning a
// failed verdict when the reference cannot be satisfied.
func (e *ConnectorActionExecutor) resolveSecret(ctx context.Context, orgID string, cfg connectorActionConfig) (string, *models.NodeResult) {
	if cfg.Auth == nil || cfg.Auth.SecretID == "" {
		return "", nil
	}
	if e.secrets == nil {
		return "", models.FailedResult(models.CodeSecretRequired,
			map[string]any{"message": "no secret resolver configured"})
	}
	secret, err := e.secrets.Resolve(ctx, orgID, cfg.Auth.SecretID)
	if err != nil || secret == "" {
		return "", models.FailedResult(models.CodeSecretRequired, nil)
	}
	return secret, nil
}

// ── shell.run ───────────────────────────────────────────────────────────

// ShellRunExecutor runs a shell command in the configured sandbox. The
// org-level shellRunEnabled switch gates this node type the same way it
// gates the agent loop's shell.run tool.
type ShellRunExecutor struct {
	sandbox ShellSandbox
}

// Execute implements NodeExecutor.
func (e *ShellRunExecutor) Execute(ctx context.Context, nc *NodeContext) (*models.NodeResult, error) {
	if nc.Settings == nil || !nc.Settings.Tools.ShellRunEnabled {
		return models.FailedResult(models.CodeToolPolicyDenied("shell.run"), nil), nil
	}

	var task models.ShellTask
	if err := decodeConfig(nc.Node.Config, &task); err != nil {
		return configFailure(fmt.Sprintf("invalid shell.run config: %v", err)), nil
	}
	if task.Command == "" {
		return configFailure("shell.run requires a command"), nil
	}
	if e.sandbox == nil {
		return configFailure("shell sandbox is not configured"), nil
	}

	result, err := e.sandbox.ExecuteShellTask(ctx, &task)
	if err != nil {
		return models.FailedResult(models.CodeNodeExecutionFailed,
			map[string]any{"message": err.Error()}), nil
	}
	if result.ExitCode != 0 {
		return models.FailedResult(models.CodeNodeExecutionFailed, result), nil
	}
	return models.SucceededResult(result), nil
}
