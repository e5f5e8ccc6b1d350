// Package agent implements the agent.run node executor: a bounded
// ReAct-style loop that drives an LLM through a strict JSON envelope,
// dispatches the tools it requests, and persists resumable loop state in
// the run's runtime. The same loop runs recursively for team.delegate and
// team.map children.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/connector"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/skills"
	"github.com/vespid/vespid/pkg/truncate"
	"github.com/vespid/vespid/pkg/workflow"
)

// Serialized-payload limits for events and persisted history.
const (
	toolSummaryMaxChars    = 20_000
	deltaEventMaxChars     = 4_000
	assistantEventMaxChars = 50_000
)

// Deps carries the loop's collaborators. LLM is required for any turn to
// run; the rest degrade to failed tool outcomes when absent.
type Deps struct {
	LLM        LLMClient
	Provider   string
	Model      string
	Connectors *connector.Registry
	Secrets    workflow.SecretResolver
	Sandbox    Sandbox
	Skills     *skills.Registry
	Env        connector.Env
	Config     *config.AgentConfig
	Logger     *slog.Logger
}

// Loop is the agent.run node executor. One Loop serves the whole process;
// per-invocation state lives in sessions and in the run's runtime.
type Loop struct {
	deps    Deps
	cfg     *config.AgentConfig
	schemas *SchemaCache
	logger  *slog.Logger
	now     func() time.Time
}

// NewLoop builds the executor. A nil Config falls back to the built-in
// defaults.
func NewLoop(deps Deps) *Loop {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultAgentConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		deps:    deps,
		cfg:     cfg,
		schemas: NewSchemaCache(),
		logger:  logger.With("component", "agent"),
		now:     time.Now,
	}
}

// session bundles one loop invocation: the node context, resolved config
// and limits, the durable state, and the live message array.
type session struct {
	nc       *workflow.NodeContext
	cfg      *NodeConfig
	limits   resolvedLimits
	state    *models.AgentRunState
	stateKey string
	persist  bool
	provider string
	model    string
	runInput map[string]any
	deadline time.Time
	messages []Message
}

// Execute implements workflow.NodeExecutor for agent.run nodes.
func (l *Loop) Execute(ctx context.Context, nc *workflow.NodeContext) (*models.NodeResult, error) {
	cfg, err := decodeNodeConfig(nc.Node.Config)
	if err != nil {
		return models.FailedResult(models.CodeNodeExecutionFailed,
			map[string]any{"message": fmt.Sprintf("invalid agent.run config: %v", err)}), nil
	}
	return l.run(ctx, nc, cfg, nc.RunInput, nc.NodeID, true)
}

// run drives one loop to a verdict. Persistent sessions keep resumable
// state under stateKey in the run's runtime; memory-only sessions (team.map
// children) start fresh and never block.
func (l *Loop) run(ctx context.Context, nc *workflow.NodeContext, cfg *NodeConfig, runInput map[string]any, stateKey string, persist bool) (*models.NodeResult, error) {
	if l.deps.LLM == nil {
		return models.FailedResult(models.CodeLLMAuthNotConfigured, nil), nil
	}

	s := &session{
		nc:       nc,
		cfg:      cfg,
		limits:   resolveLimits(cfg.Limits, l.cfg.Limits),
		stateKey: stateKey,
		persist:  persist,
		provider: firstNonEmpty(cfg.Provider, l.deps.Provider),
		model:    firstNonEmpty(cfg.Model, l.deps.Model),
		runInput: runInput,
	}
	s.state = l.loadState(s)
	// The budget restarts on every invocation; blocked time on a remote
	// executor does not count against the loop.
	s.deadline = l.now().Add(s.limits.Timeout)

	fresh := s.state.Turns == 0 && len(s.state.History) == 0 && s.state.PendingToolCall == nil

	toolsetBlock := ""
	if cfg.Toolset != nil {
		block, count := skills.BuildContextBlock(cfg.Toolset, skills.Caps{
			MaxBundles:        l.cfg.Toolset.MaxBundles,
			MaxCharsPerBundle: l.cfg.Toolset.MaxCharsPerBundle,
			MaxTotalChars:     l.cfg.Toolset.MaxTotalChars,
		})
		toolsetBlock = block
		if fresh && count > 0 {
			// Count only; skill text never enters the event log.
			l.emit(ctx, s, models.EventToolsetSkillsApplied, models.LevelInfo, map[string]any{
				"toolsetId": cfg.Toolset.ID,
				"count":     count,
			})
		}
	}

	allowed := cfg.Tools.AllowedIDs()
	s.messages = append(s.messages,
		Message{Role: RoleSystem, Content: buildSystemMessage(cfg, allowed, l.deps.Skills, toolsetBlock)},
		Message{Role: RoleUser, Content: buildUserMessage(cfg, runInput, nc.Steps)},
	)
	s.messages = append(s.messages, historyMessages(s.state.History)...)

	if verdict, err := l.resumePending(ctx, s); verdict != nil || err != nil {
		return verdict, err
	}
	return l.turnLoop(ctx, s)
}

// turnLoop is the bounded model-tool cycle.
func (l *Loop) turnLoop(ctx context.Context, s *session) (*models.NodeResult, error) {
	for {
		if !l.now().Before(s.deadline) {
			return models.FailedResult(models.CodeLLMTimeout, nil), nil
		}
		if s.state.Turns >= s.limits.MaxTurns {
			return models.FailedResult(models.CodeAgentMaxTurns, nil), nil
		}
		if s.state.ToolCalls > s.limits.MaxToolCalls {
			return models.FailedResult(models.CodeAgentMaxToolCalls, nil), nil
		}

		s.state.Turns++
		l.emit(ctx, s, models.EventAgentTurnStarted, models.LevelInfo,
			map[string]any{"turn": s.state.Turns})

		content, err := l.generate(ctx, s)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				// The loop budget expired mid-call; the job itself is fine.
				return models.FailedResult(models.CodeLLMTimeout, nil), nil
			}
			return nil, err
		}

		content = truncate.String(content, s.limits.MaxOutputChars)
		s.messages = append(s.messages, Message{Role: RoleAssistant, Content: content})
		l.emit(ctx, s, models.EventAgentAssistantMsg, models.LevelInfo, map[string]any{
			"content": truncate.String(content, assistantEventMaxChars),
		})

		env, perr := ParseEnvelope(content)
		if perr != nil {
			return models.FailedResult(models.CodeInvalidAgentOutput,
				map[string]any{"message": perr.Error()}), nil
		}
		if env.Type == EnvelopeFinal {
			return l.finalize(ctx, s, env.Output)
		}

		if !s.cfg.Tools.Allows(env.ToolID) {
			return models.FailedResult(models.CodeToolNotAllowed(env.ToolID), nil), nil
		}

		s.state.ToolCalls++
		callIndex := s.state.ToolCalls

		l.emit(ctx, s, models.EventAgentToolCall, models.LevelInfo, map[string]any{
			"toolId":    env.ToolID,
			"callIndex": callIndex,
			"input":     truncate.Summarize(env.Input, toolSummaryMaxChars),
		})
		s.state.History = append(s.state.History, &models.AgentHistory{
			Kind:      models.HistoryToolCall,
			CallIndex: callIndex,
			ToolID:    env.ToolID,
			Input:     truncate.Summarize(env.Input, toolSummaryMaxChars),
		})
		l.maybeTrim(ctx, s)
		if err := l.checkpoint(ctx, s); err != nil {
			return nil, err
		}

		var outcome *toolOutcome
		if cached, ok := s.state.ToolResultsByCallIndex[strconv.Itoa(callIndex)]; ok {
			outcome = cachedOutcome(cached)
		} else {
			outcome, err = l.dispatchTool(ctx, s, env.ToolID, env.Input, callIndex)
			if err != nil {
				var blocked *errBlocked
				if errors.As(err, &blocked) {
					return l.blockOn(ctx, s, env.ToolID, env.Input, callIndex, blocked)
				}
				return nil, err
			}
		}

		l.recordOutcome(ctx, s, env.ToolID, callIndex, outcome)
		if err := l.checkpoint(ctx, s); err != nil {
			return nil, err
		}
	}
}

// generate runs one LLM call under the remaining loop budget, streaming
// coalesced deltas into the event log.
func (l *Loop) generate(ctx context.Context, s *session) (string, error) {
	gctx, cancel := context.WithDeadline(ctx, s.deadline)
	defer cancel()

	chunks, err := l.deps.LLM.Generate(gctx, &GenerateInput{
		Provider:       s.provider,
		Model:          s.model,
		Messages:       s.messages,
		MaxOutputChars: s.limits.MaxOutputChars,
	})
	if err != nil {
		return "", fmt.Errorf("llm generate: %w", err)
	}

	coalescer := newDeltaCoalescer(l.cfg.Stream, func(delta string) {
		l.emit(ctx, s, models.EventAgentAssistantDelta, models.LevelDebug, map[string]any{
			"delta": truncate.String(delta, deltaEventMaxChars),
		})
	})

	var content strings.Builder
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *TextChunk:
			content.WriteString(c.Content)
			coalescer.Write(c.Content)
		case *UsageChunk:
			l.logger.Debug("llm usage",
				"run_id", s.nc.RunID, "node_id", s.nc.NodeID,
				"input_tokens", c.InputTokens, "output_tokens", c.OutputTokens)
		case *ErrorChunk:
			coalescer.Close()
			return "", fmt.Errorf("llm stream error: %s (%s)", c.Message, c.Code)
		}
	}
	coalescer.Close()

	if err := gctx.Err(); err != nil {
		return "", err
	}
	return content.String(), nil
}

// finalize validates the final output against the node's output contract
// and wraps it with the loop accounting.
func (l *Loop) finalize(ctx context.Context, s *session, output any) (*models.NodeResult, error) {
	if s.cfg.Output != nil {
		if s.cfg.Output.Mode == "json" {
			if _, err := json.Marshal(output); err != nil {
				return models.FailedResult(models.CodeInvalidAgentJSONOutput,
					map[string]any{"message": err.Error()}), nil
			}
		}
		if s.cfg.Output.JSONSchema != nil {
			if _, err := l.schemas.Compile(s.cfg.Output.JSONSchema); err != nil {
				return models.FailedResult(models.CodeInvalidJSONSchema,
					map[string]any{"message": err.Error()}), nil
			}
			if err := l.schemas.Validate(s.cfg.Output.JSONSchema, output); err != nil {
				return models.FailedResult(models.CodeInvalidAgentJSONOutput,
					map[string]any{"message": err.Error()}), nil
			}
		}
	}

	wrapped := wrapFinalOutput(output, map[string]any{
		"provider":  s.provider,
		"model":     s.model,
		"turns":     s.state.Turns,
		"toolCalls": s.state.ToolCalls,
	})
	l.emit(ctx, s, models.EventAgentFinal, models.LevelInfo, map[string]any{
		"output": truncate.Summarize(wrapped, toolSummaryMaxChars),
	})
	return models.SucceededResult(wrapped), nil
}

// wrapFinalOutput attaches loop accounting: objects carry _meta inline,
// anything else is boxed next to it.
func wrapFinalOutput(output any, meta map[string]any) any {
	if obj, ok := output.(map[string]any); ok {
		merged := make(map[string]any, len(obj)+1)
		for k, v := range obj {
			merged[k] = v
		}
		merged["_meta"] = meta
		return merged
	}
	return map[string]any{"output": output, "_meta": meta}
}

// ── resume ──────────────────────────────────────────────────────────────

// resumePending settles a tool call that was outstanding when the run last
// released: an applied remote result, a cached result after a crash, or a
// re-execution under the original call index. A nil, nil return means the
// turn loop should proceed.
func (l *Loop) resumePending(ctx context.Context, s *session) (*models.NodeResult, error) {
	pc := s.state.PendingToolCall
	if pc == nil {
		pc = danglingToolCall(s.state)
	}
	if pc == nil {
		return nil, nil
	}

	outcome, err := l.settlePending(ctx, s, pc)
	if err != nil {
		var blocked *errBlocked
		if errors.As(err, &blocked) {
			return l.blockOn(ctx, s, pc.ToolID, pc.Input, pc.CallIndex, blocked)
		}
		return nil, err
	}

	l.recordOutcome(ctx, s, pc.ToolID, pc.CallIndex, outcome)
	s.state.PendingToolCall = nil
	if err := l.checkpoint(ctx, s); err != nil {
		return nil, err
	}
	return nil, nil
}

// settlePending resolves the pending call's outcome. Team tools re-enter
// the child loop, which claims any staged remote result through its own
// pending state; direct tools claim here or re-execute.
func (l *Loop) settlePending(ctx context.Context, s *session, pc *models.PendingToolCall) (*toolOutcome, error) {
	if pc.ToolID == ToolTeamDelegate {
		var in delegateInput
		if err := decodeToolInput(pc.Input, &in); err != nil {
			return failedOutcome(models.CodeInvalidToolInput,
				map[string]any{"message": err.Error()}), nil
		}
		childKey := s.stateKey + ":team:" + strconv.Itoa(pc.CallIndex)
		return l.delegateOnce(ctx, s, &in, childKey, s.persist)
	}

	if cached, ok := s.state.ToolResultsByCallIndex[strconv.Itoa(pc.CallIndex)]; ok {
		return cachedOutcome(cached), nil
	}
	if rr := s.nc.ClaimRemoteResult(); rr != nil {
		return remoteOutcome(rr), nil
	}
	return l.dispatchTool(ctx, s, pc.ToolID, pc.Input, pc.CallIndex)
}

// danglingToolCall detects a tool_call checkpointed without its result: a
// worker died mid-execution. The call re-runs under its original index,
// unless its recorded input was truncated and can no longer be replayed.
func danglingToolCall(state *models.AgentRunState) *models.PendingToolCall {
	if len(state.History) == 0 {
		return nil
	}
	last := state.History[len(state.History)-1]
	if last == nil || last.Kind != models.HistoryToolCall {
		return nil
	}
	input, ok := last.Input.(map[string]any)
	if !ok || input["truncated"] == true {
		return nil
	}
	return &models.PendingToolCall{
		ToolID:    last.ToolID,
		Input:     input,
		CallIndex: last.CallIndex,
	}
}

// cachedOutcome rebuilds the outcome recorded under a call index.
func cachedOutcome(cached any) *toolOutcome {
	if m, ok := cached.(map[string]any); ok {
		if status, _ := m["status"].(string); status != "" {
			return &toolOutcome{Status: status, Result: m["result"]}
		}
	}
	return &toolOutcome{Status: models.ResultSucceeded, Result: cached}
}

// remoteOutcome converts an applied remote result into tool feedback. A
// failed remote result feeds back to the model; it does not fail the node.
func remoteOutcome(pr *models.PendingRemoteResult) *toolOutcome {
	if pr.Result == nil || pr.Result.Status == "" {
		return failedOutcome(models.CodeRemoteResultUnexpected, nil)
	}
	if pr.Result.Status == models.ResultSucceeded {
		return succeededOutcome(pr.Result.Output)
	}
	code := pr.Result.Error
	if code == "" {
		code = models.CodeNodeExecutionFailed
	}
	return failedOutcome(code, pr.Result.Output)
}

// ── state plumbing ──────────────────────────────────────────────────────

// blockOn persists the pending call and releases the run to the stepper.
// Memory-only children cannot await a remote dispatch and fail instead.
func (l *Loop) blockOn(ctx context.Context, s *session, toolID string, input map[string]any, callIndex int, blocked *errBlocked) (*models.NodeResult, error) {
	if !s.persist {
		return models.FailedResult(models.CodeTeamDelegateFailed,
			map[string]any{"message": "remote tool dispatch is not available under team.map"}), nil
	}
	s.state.PendingToolCall = &models.PendingToolCall{
		ToolID:         toolID,
		Input:          input,
		CallIndex:      callIndex,
		DispatchNodeID: blocked.block.DispatchNodeID,
	}
	if err := l.checkpoint(ctx, s); err != nil {
		return nil, err
	}
	return models.BlockedResult(blocked.block, nil), nil
}

// recordOutcome caches one tool outcome, appends it to history, announces
// it, and feeds it back to the model. Payloads are summarized before they
// reach the event log, the history, or the message array.
func (l *Loop) recordOutcome(ctx context.Context, s *session, toolID string, callIndex int, outcome *toolOutcome) {
	summarized := truncate.Summarize(outcome.Result, toolSummaryMaxChars)
	if s.state.ToolResultsByCallIndex == nil {
		s.state.ToolResultsByCallIndex = map[string]any{}
	}
	s.state.ToolResultsByCallIndex[strconv.Itoa(callIndex)] = map[string]any{
		"status": outcome.Status,
		"result": summarized,
	}
	s.state.History = append(s.state.History, &models.AgentHistory{
		Kind:      models.HistoryToolResult,
		CallIndex: callIndex,
		ToolID:    toolID,
		Status:    outcome.Status,
		Result:    summarized,
	})
	l.emit(ctx, s, models.EventAgentToolResult, models.LevelInfo, map[string]any{
		"toolId":    toolID,
		"callIndex": callIndex,
		"status":    outcome.Status,
		"result":    summarized,
	})
	s.messages = append(s.messages, Message{
		Role:    RoleUser,
		Content: toolResultMessage(callIndex, outcome.Status, summarized),
	})
	l.maybeTrim(ctx, s)
}

// loadState returns the durable loop state for stateKey, creating it on
// first touch. Memory-only sessions start fresh every time.
func (l *Loop) loadState(s *session) *models.AgentRunState {
	if !s.persist || s.nc.Runtime == nil {
		return &models.AgentRunState{}
	}
	if s.nc.Runtime.AgentRuns == nil {
		s.nc.Runtime.AgentRuns = map[string]*models.AgentRunState{}
	}
	state := s.nc.Runtime.AgentRuns[s.stateKey]
	if state == nil {
		state = &models.AgentRunState{}
		s.nc.Runtime.AgentRuns[s.stateKey] = state
	}
	return state
}

// checkpoint persists the run snapshot when this session owns durable
// state.
func (l *Loop) checkpoint(ctx context.Context, s *session) error {
	if !s.persist || s.nc.Checkpoint == nil {
		return nil
	}
	return s.nc.Checkpoint(ctx)
}

// maybeTrim enforces the runtime budget, announcing each trim once.
func (l *Loop) maybeTrim(ctx context.Context, s *session) {
	dropped, chars := trimState(s.state, s.limits.MaxRuntimeChars)
	if dropped > 0 {
		l.emit(ctx, s, models.EventAgentRuntimeTrimmed, models.LevelWarn, map[string]any{
			"droppedEntries": dropped,
			"runtimeChars":   chars,
		})
	}
}

// emit appends one loop event. Child sessions tag their state key so
// nested activity stays attributable to the delegate that produced it.
func (l *Loop) emit(ctx context.Context, s *session, eventType, level string, payload map[string]any) {
	if s.nc.Emit == nil {
		return
	}
	if s.stateKey != s.nc.NodeID {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["agentKey"] = s.stateKey
	}
	s.nc.Emit(ctx, &models.RunEvent{
		EventType: eventType,
		Level:     level,
		Payload:   payload,
	})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
