package agent

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/skills"
)

// systemPreamble anchors every agent node regardless of operator prompt.
const systemPreamble = `You are an autonomous agent node executing inside a Vespid workflow run. Work strictly toward the task described in the user message, use only the tools you are given, and finish with a final envelope as soon as the task is complete.`

// envelopeContract tells the model the one output shape the loop accepts.
const envelopeContract = "On every turn respond with exactly one JSON object, optionally inside a ```json fence:\n" +
	`  {"type":"final","output":<any>}` + "\n" +
	`  {"type":"tool_call","toolId":"<id>","input":{<object>}}` + "\n" +
	"Never respond with a JSON array or with bare prose outside the object."

// buildSystemMessage concatenates the operator prompt, the fixed preamble,
// the envelope contract, the allowed tool set, skill descriptors, and the
// toolset context block, separated by blank lines.
func buildSystemMessage(cfg *NodeConfig, allowed []string, catalog *skills.Registry, toolsetBlock string) string {
	parts := make([]string, 0, 6)
	if cfg.System != "" {
		parts = append(parts, cfg.System)
	}
	parts = append(parts, systemPreamble, envelopeContract)

	toolSet := make([]string, 0, len(allowed))
	toolSet = append(toolSet, allowed...)
	sort.Strings(toolSet)
	parts = append(parts, "Allowed tools: "+mustJSON(toolSet))

	if lines := skillDescriptorLines(toolSet, catalog); lines != "" {
		parts = append(parts, "Available skills:\n"+lines)
	}
	if toolsetBlock != "" {
		parts = append(parts, toolsetBlock)
	}
	return strings.Join(parts, "\n\n")
}

// skillDescriptorLines renders one line per allow-listed skill that the
// local registry knows about.
func skillDescriptorLines(allowed []string, catalog *skills.Registry) string {
	if catalog == nil {
		return ""
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}
	var b strings.Builder
	for _, sk := range catalog.Descriptors() {
		if !allowedSet[sk.ToolID()] {
			continue
		}
		b.WriteString("- ")
		b.WriteString(sk.ToolID())
		if sk.Description != "" {
			b.WriteString(": ")
			b.WriteString(sk.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildUserMessage renders the task payload plus the optional input
// template.
func buildUserMessage(cfg *NodeConfig, runInput map[string]any, steps []models.StepResult) string {
	payload := struct {
		Instructions string              `json:"instructions"`
		RunInput     map[string]any      `json:"runInput"`
		Steps        []models.StepResult `json:"steps"`
	}{
		Instructions: cfg.Instructions,
		RunInput:     runInput,
		Steps:        steps,
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		encoded = []byte("{}")
	}
	msg := string(encoded)
	if cfg.InputTemplate != "" {
		msg += "\n\n" + renderTemplate(cfg.InputTemplate, runInput)
	}
	return msg
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// renderTemplate substitutes each {{var}} with the JSON encoding of
// vars[var]. Unknown variables render as null rather than failing the
// turn.
func renderTemplate(tpl string, vars map[string]any) string {
	return templateVarPattern.ReplaceAllStringFunc(tpl, func(m string) string {
		name := templateVarPattern.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			return "null"
		}
		return mustJSON(v)
	})
}

// historyMessages replays persisted history entries into the message
// array: tool calls as the assistant envelopes they came from, tool
// results as the user messages that answered them.
func historyMessages(history []*models.AgentHistory) []Message {
	msgs := make([]Message, 0, len(history))
	for _, h := range history {
		if h == nil {
			continue
		}
		switch h.Kind {
		case models.HistoryToolCall:
			msgs = append(msgs, Message{Role: RoleAssistant, Content: mustJSON(map[string]any{
				"type":   EnvelopeToolCall,
				"toolId": h.ToolID,
				"input":  h.Input,
			})})
		case models.HistoryToolResult:
			msgs = append(msgs, Message{Role: RoleUser, Content: toolResultMessage(h.CallIndex, h.Status, h.Result)})
		}
	}
	return msgs
}

// toolResultMessage is the user-role feedback for one tool outcome.
func toolResultMessage(callIndex int, status string, result any) string {
	return mustJSON(map[string]any{
		"type":      "tool_result",
		"callIndex": callIndex,
		"status":    status,
		"result":    result,
	})
}

// mustJSON encodes v compactly, falling back to null for unencodable
// values so message construction never fails a turn.
func mustJSON(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
