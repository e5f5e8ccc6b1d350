package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/connector"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/skills"
	"github.com/vespid/vespid/pkg/workflow"
)

// fakeSandbox records shell and skill tasks and returns canned results.
type fakeSandbox struct {
	mu          sync.Mutex
	shellResult *models.ShellTaskResult
	shellErr    error
	shellTasks  []*models.ShellTask
	skillResult any
	skillErr    error
	skillTasks  []*SkillTask
}

func (f *fakeSandbox) ExecuteShellTask(_ context.Context, task *models.ShellTask) (*models.ShellTaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shellTasks = append(f.shellTasks, task)
	if f.shellErr != nil {
		return nil, f.shellErr
	}
	if f.shellResult != nil {
		return f.shellResult, nil
	}
	return &models.ShellTaskResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeSandbox) ExecuteSkill(_ context.Context, task *SkillTask) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skillTasks = append(f.skillTasks, task)
	if f.skillErr != nil {
		return nil, f.skillErr
	}
	return f.skillResult, nil
}

func toolSession(cfg *NodeConfig, settings *models.OrganizationSettings) *session {
	if cfg == nil {
		cfg = &NodeConfig{}
	}
	return &session{
		nc: &workflow.NodeContext{
			OrgID:    "org-1",
			NodeID:   "n1",
			Settings: settings,
		},
		cfg:      cfg,
		stateKey: "n1",
		persist:  true,
	}
}

func shellEnabledSettings() *models.OrganizationSettings {
	return &models.OrganizationSettings{
		Tools: models.OrganizationToolSettings{ShellRunEnabled: true},
	}
}

func TestRewriteConnectorAlias(t *testing.T) {
	t.Run("expands connector and action ids", func(t *testing.T) {
		out := rewriteConnectorAlias("connector.github.create_issue", map[string]any{"title": "t"})
		assert.Equal(t, map[string]any{
			"title":       "t",
			"connectorId": "github",
			"actionId":    "create_issue",
		}, out)
	})

	t.Run("leaves ids absent when the alias is malformed", func(t *testing.T) {
		out := rewriteConnectorAlias("connector.github", map[string]any{"title": "t"})
		assert.NotContains(t, out, "connectorId")
		assert.NotContains(t, out, "actionId")
	})

	t.Run("does not mutate the original input", func(t *testing.T) {
		in := map[string]any{"title": "t"}
		rewriteConnectorAlias("connector.github.get_issue", in)
		assert.Equal(t, map[string]any{"title": "t"}, in)
	})
}

func TestDispatchToolRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown tool fails without consuming the loop", func(t *testing.T) {
		l := NewLoop(Deps{})
		out, err := l.dispatchTool(ctx, toolSession(nil, nil), "bogus.tool", map[string]any{}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.ResultFailed, out.Status)
		assert.Equal(t, "TOOL_NOT_SUPPORTED:bogus.tool", out.errorCode())
	})

	t.Run("connector alias routes through connector.action", func(t *testing.T) {
		var got *connector.ActionRequest
		reg := connector.NewRegistry(&connector.Connector{
			ID: "echo",
			Actions: map[string]*connector.Action{
				"say": {
					ID: "say",
					Execute: func(_ context.Context, req *connector.ActionRequest) (any, error) {
						got = req
						return map[string]any{"echo": req.Input["msg"]}, nil
					},
				},
			},
		})
		l := NewLoop(Deps{Connectors: reg})

		out, err := l.dispatchTool(ctx, toolSession(nil, nil), "connector.echo.say", map[string]any{"msg": "hey"}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.ResultSucceeded, out.Status)
		assert.Equal(t, map[string]any{"echo": "hey"}, out.Result)
		require.NotNil(t, got)
		assert.Equal(t, map[string]any{"msg": "hey"}, got.Input)
	})

	t.Run("skill prefix routes to the sandbox", func(t *testing.T) {
		sandbox := &fakeSandbox{skillResult: 7}
		l := NewLoop(Deps{
			Sandbox: sandbox,
			Skills:  skills.NewRegistry(&skills.Skill{ID: "sum", Description: "Add numbers", Entrypoint: "sum.py"}),
		})

		out, err := l.dispatchTool(ctx, toolSession(nil, nil), "skill.sum", map[string]any{"a": 1}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.ResultSucceeded, out.Status)
		assert.Equal(t, 7, out.Result)
		require.Len(t, sandbox.skillTasks, 1)
		assert.Equal(t, "sum", sandbox.skillTasks[0].SkillID)
		assert.Equal(t, "sum.py", sandbox.skillTasks[0].Skill.Entrypoint)
	})
}

func TestRunShellTool(t *testing.T) {
	ctx := context.Background()

	t.Run("denied when the organization has not enabled shell.run", func(t *testing.T) {
		l := NewLoop(Deps{Sandbox: &fakeSandbox{}})
		for _, settings := range []*models.OrganizationSettings{nil, {}} {
			out, err := l.runShellTool(ctx, toolSession(nil, settings), map[string]any{"command": "ls"})
			require.NoError(t, err)
			assert.Equal(t, "TOOL_POLICY_DENIED:shell.run", out.errorCode())
		}
	})

	t.Run("rejects input without a command", func(t *testing.T) {
		l := NewLoop(Deps{Sandbox: &fakeSandbox{}})
		out, err := l.runShellTool(ctx, toolSession(nil, shellEnabledSettings()), map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, models.CodeInvalidToolInput, out.errorCode())
	})

	t.Run("rejects input that does not decode", func(t *testing.T) {
		l := NewLoop(Deps{Sandbox: &fakeSandbox{}})
		out, err := l.runShellTool(ctx, toolSession(nil, shellEnabledSettings()), map[string]any{"command": 42})
		require.NoError(t, err)
		assert.Equal(t, models.CodeInvalidToolInput, out.errorCode())
	})

	t.Run("fails without a sandbox", func(t *testing.T) {
		l := NewLoop(Deps{})
		out, err := l.runShellTool(ctx, toolSession(nil, shellEnabledSettings()), map[string]any{"command": "ls"})
		require.NoError(t, err)
		assert.Equal(t, models.CodeNodeExecutionFailed, out.errorCode())
	})

	t.Run("executes and returns the result", func(t *testing.T) {
		sandbox := &fakeSandbox{shellResult: &models.ShellTaskResult{ExitCode: 0, Stdout: "out"}}
		l := NewLoop(Deps{Sandbox: sandbox})

		out, err := l.runShellTool(ctx, toolSession(nil, shellEnabledSettings()), map[string]any{
			"command": "git status",
			"workdir": "/repo",
		})
		require.NoError(t, err)
		assert.Equal(t, models.ResultSucceeded, out.Status)
		assert.Equal(t, sandbox.shellResult, out.Result)
		require.Len(t, sandbox.shellTasks, 1)
		assert.Equal(t, "git status", sandbox.shellTasks[0].Command)
		assert.Equal(t, "/repo", sandbox.shellTasks[0].WorkDir)
	})

	t.Run("non-zero exit feeds back as a failed tool result", func(t *testing.T) {
		sandbox := &fakeSandbox{shellResult: &models.ShellTaskResult{ExitCode: 2, Stderr: "boom"}}
		l := NewLoop(Deps{Sandbox: sandbox})

		out, err := l.runShellTool(ctx, toolSession(nil, shellEnabledSettings()), map[string]any{"command": "false"})
		require.NoError(t, err)
		assert.Equal(t, models.CodeNodeExecutionFailed, out.errorCode())
		detail := out.Result.(map[string]any)["detail"].(*models.ShellTaskResult)
		assert.Equal(t, 2, detail.ExitCode)
	})

	t.Run("sandbox error feeds back, not up", func(t *testing.T) {
		l := NewLoop(Deps{Sandbox: &fakeSandbox{shellErr: errors.New("container died")}})
		out, err := l.runShellTool(ctx, toolSession(nil, shellEnabledSettings()), map[string]any{"command": "ls"})
		require.NoError(t, err)
		assert.Equal(t, models.CodeNodeExecutionFailed, out.errorCode())
	})
}

func TestRunConnectorTool(t *testing.T) {
	ctx := context.Background()

	newEchoRegistry := func(capture **connector.ActionRequest) *connector.Registry {
		return connector.NewRegistry(&connector.Connector{
			ID: "echo",
			Actions: map[string]*connector.Action{
				"say": {
					ID: "say",
					Execute: func(_ context.Context, req *connector.ActionRequest) (any, error) {
						if capture != nil {
							*capture = req
						}
						return map[string]any{"echo": req.Input["msg"]}, nil
					},
				},
				"typed": {
					ID: "typed",
					InputSchema: map[string]any{
						"type":     "object",
						"required": []any{"name"},
						"properties": map[string]any{
							"name": map[string]any{"type": "string", "minLength": 1},
						},
					},
					Execute: func(_ context.Context, req *connector.ActionRequest) (any, error) {
						return "typed-ok", nil
					},
				},
				"locked": {
					ID:             "locked",
					RequiresSecret: true,
					Execute: func(_ context.Context, req *connector.ActionRequest) (any, error) {
						if capture != nil {
							*capture = req
						}
						return "unlocked", nil
					},
				},
			},
		})
	}

	t.Run("model-supplied secret id is rejected", func(t *testing.T) {
		l := NewLoop(Deps{Connectors: newEchoRegistry(nil)})
		out, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
			"auth":        map[string]any{"secretId": "sneaky"},
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CodeToolSecretIDNotAllowed, out.errorCode())
	})

	t.Run("requires connectorId and actionId", func(t *testing.T) {
		l := NewLoop(Deps{Connectors: newEchoRegistry(nil)})
		out, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{"actionId": "say"}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CodeInvalidToolInput, out.errorCode())
	})

	t.Run("executes with a nested input object", func(t *testing.T) {
		var got *connector.ActionRequest
		l := NewLoop(Deps{Connectors: newEchoRegistry(&got)})

		out, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
			"input":       map[string]any{"msg": "hi"},
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.ResultSucceeded, out.Status)
		assert.Equal(t, map[string]any{"echo": "hi"}, out.Result)
		assert.Equal(t, "org-1", got.OrgID)
	})

	t.Run("spread form strips envelope keys from action input", func(t *testing.T) {
		var got *connector.ActionRequest
		l := NewLoop(Deps{Connectors: newEchoRegistry(&got)})

		_, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
			"msg":         "hi",
			"note":        "keep",
			"timeoutMs":   5,
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"msg": "hi", "note": "keep"}, got.Input)
	})

	t.Run("unknown action feeds back the registry code", func(t *testing.T) {
		l := NewLoop(Deps{Connectors: newEchoRegistry(nil)})
		out, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "nope",
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, "ACTION_NOT_SUPPORTED:echo:nope", out.errorCode())
	})

	t.Run("schema violations fail the tool, not the node", func(t *testing.T) {
		l := NewLoop(Deps{Connectors: newEchoRegistry(nil)})
		out, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "typed",
			"input":       map[string]any{"wrong": true},
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CodeInvalidActionInput, out.errorCode())
	})

	t.Run("secret-requiring action without a binding", func(t *testing.T) {
		l := NewLoop(Deps{Connectors: newEchoRegistry(nil)})
		out, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "locked",
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CodeSecretRequired, out.errorCode())
	})

	t.Run("binding without a resolver", func(t *testing.T) {
		l := NewLoop(Deps{Connectors: newEchoRegistry(nil)})
		cfg := &NodeConfig{ConnectorSecrets: map[string]string{"echo": "tok"}}
		out, err := l.runConnectorTool(ctx, toolSession(cfg, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CodeSecretRequired, out.errorCode())
	})

	t.Run("resolution failure reports the code only", func(t *testing.T) {
		l := NewLoop(Deps{
			Connectors: newEchoRegistry(nil),
			Secrets:    workflow.StaticSecretResolver{},
		})
		cfg := &NodeConfig{ConnectorSecrets: map[string]string{"echo": "tok"}}
		out, err := l.runConnectorTool(ctx, toolSession(cfg, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CodeSecretRequired, out.errorCode())
		assert.NotContains(t, out.Result.(map[string]any), "detail")
	})

	t.Run("resolved secret reaches the action, never the outcome", func(t *testing.T) {
		var got *connector.ActionRequest
		l := NewLoop(Deps{
			Connectors: newEchoRegistry(&got),
			Secrets:    workflow.StaticSecretResolver{"tok": "hunter2"},
		})
		cfg := &NodeConfig{ConnectorSecrets: map[string]string{"echo": "tok"}}

		out, err := l.runConnectorTool(ctx, toolSession(cfg, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "locked",
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.ResultSucceeded, out.Status)
		assert.Equal(t, "hunter2", got.Secret)

		raw, merr := json.Marshal(out.Result)
		require.NoError(t, merr)
		assert.NotContains(t, string(raw), "hunter2")
	})

	t.Run("node mode blocks with a dispatch payload", func(t *testing.T) {
		l := NewLoop(Deps{
			Connectors: newEchoRegistry(nil),
			Secrets:    workflow.StaticSecretResolver{"tok": "hunter2"},
		})
		cfg := &NodeConfig{ConnectorSecrets: map[string]string{"echo": "tok"}}

		out, err := l.runConnectorTool(ctx, toolSession(cfg, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
			"input":       map[string]any{"msg": "hi"},
			"mode":        "node",
			"selector":    map[string]any{"pool": "gpu"},
			"timeoutMs":   30000,
		}, 3)
		require.Nil(t, out)
		var blocked *errBlocked
		require.ErrorAs(t, err, &blocked)

		block := blocked.block
		assert.Equal(t, models.KindConnectorAction, block.Kind)
		assert.Equal(t, "n1:tool:3", block.DispatchNodeID)
		assert.Equal(t, "gpu", block.Selector.Pool)
		assert.Equal(t, 30000, block.TimeoutMS)
		assert.Equal(t, "hunter2", block.Secret)

		// The payload is what reaches the event log; the secret rides only
		// on the dispatch envelope.
		assert.Equal(t, map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
			"input":       map[string]any{"msg": "hi"},
		}, block.Payload)
	})

	t.Run("execution.mode is honored as the mode", func(t *testing.T) {
		l := NewLoop(Deps{Connectors: newEchoRegistry(nil)})
		_, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
			"execution":   map[string]any{"mode": "node"},
		}, 2)
		var blocked *errBlocked
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, "n1:tool:2", blocked.block.DispatchNodeID)
	})

	t.Run("fails without a registry for local execution", func(t *testing.T) {
		l := NewLoop(Deps{})
		out, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "echo",
			"actionId":    "say",
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CodeNodeExecutionFailed, out.errorCode())
	})

	t.Run("action error feeds back as a failed result", func(t *testing.T) {
		reg := connector.NewRegistry(&connector.Connector{
			ID: "flaky",
			Actions: map[string]*connector.Action{
				"call": {
					ID: "call",
					Execute: func(_ context.Context, _ *connector.ActionRequest) (any, error) {
						return nil, errors.New("upstream 503")
					},
				},
			},
		})
		l := NewLoop(Deps{Connectors: reg})

		out, err := l.runConnectorTool(ctx, toolSession(nil, nil), map[string]any{
			"connectorId": "flaky",
			"actionId":    "call",
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CodeNodeExecutionFailed, out.errorCode())
		detail := out.Result.(map[string]any)["detail"].(map[string]any)
		assert.Contains(t, detail["message"], "upstream 503")
	})
}

func TestRunSkillTool(t *testing.T) {
	ctx := context.Background()

	t.Run("no registry configured", func(t *testing.T) {
		l := NewLoop(Deps{Sandbox: &fakeSandbox{}})
		out, err := l.runSkillTool(ctx, toolSession(nil, nil), "sum", nil)
		require.NoError(t, err)
		assert.Equal(t, "SKILL_NOT_FOUND:sum", out.errorCode())
	})

	t.Run("unknown skill", func(t *testing.T) {
		l := NewLoop(Deps{
			Sandbox: &fakeSandbox{},
			Skills:  skills.NewRegistry(&skills.Skill{ID: "sum"}),
		})
		out, err := l.runSkillTool(ctx, toolSession(nil, nil), "missing", nil)
		require.NoError(t, err)
		assert.Equal(t, "SKILL_NOT_FOUND:missing", out.errorCode())
	})

	t.Run("no sandbox configured", func(t *testing.T) {
		l := NewLoop(Deps{Skills: skills.NewRegistry(&skills.Skill{ID: "sum"})})
		out, err := l.runSkillTool(ctx, toolSession(nil, nil), "sum", nil)
		require.NoError(t, err)
		assert.Equal(t, models.CodeNodeExecutionFailed, out.errorCode())
	})

	t.Run("executes through the sandbox", func(t *testing.T) {
		sandbox := &fakeSandbox{skillResult: map[string]any{"total": 3}}
		l := NewLoop(Deps{
			Sandbox: sandbox,
			Skills:  skills.NewRegistry(&skills.Skill{ID: "sum", Entrypoint: "sum.py"}),
		})

		out, err := l.runSkillTool(ctx, toolSession(nil, nil), "sum", map[string]any{"a": 1, "b": 2})
		require.NoError(t, err)
		assert.Equal(t, models.ResultSucceeded, out.Status)
		assert.Equal(t, map[string]any{"total": 3}, out.Result)
		require.Len(t, sandbox.skillTasks, 1)
		assert.Equal(t, map[string]any{"a": 1, "b": 2}, sandbox.skillTasks[0].Input)
	})

	t.Run("sandbox failure feeds back", func(t *testing.T) {
		l := NewLoop(Deps{
			Sandbox: &fakeSandbox{skillErr: errors.New("entrypoint crashed")},
			Skills:  skills.NewRegistry(&skills.Skill{ID: "sum"}),
		})
		out, err := l.runSkillTool(ctx, toolSession(nil, nil), "sum", nil)
		require.NoError(t, err)
		assert.Equal(t, models.CodeNodeExecutionFailed, out.errorCode())
	})
}
