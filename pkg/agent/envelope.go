package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Envelope types the model may emit.
const (
	EnvelopeFinal    = "final"
	EnvelopeToolCall = "tool_call"
)

// Envelope is the parsed model output: either a final answer or a tool
// call. Exactly one of the two field groups is meaningful, keyed by Type.
type Envelope struct {
	Type   string
	Output any
	ToolID string
	Input  map[string]any
}

// jsonFencePattern matches a fenced code block, with or without a language
// tag, and captures its body.
var jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseEnvelope extracts the envelope from raw model text. The parser is
// intentionally forgiving about surrounding prose: it accepts the raw text
// when it is itself a JSON object, then a fenced ```json block, then the
// first balanced {…} block. Arrays, non-objects, and unknown envelope
// types are rejected.
func ParseEnvelope(text string) (*Envelope, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty model output")
	}
	if strings.HasPrefix(trimmed, "[") {
		return nil, fmt.Errorf("envelope must be a JSON object, not an array")
	}

	raw, err := extractObject(trimmed)
	if err != nil {
		return nil, err
	}
	return envelopeFromObject(raw)
}

// extractObject finds and unmarshals the envelope object using the tiered
// detection strategies.
func extractObject(text string) (map[string]any, error) {
	// Tier 1: the whole output is the object.
	if strings.HasPrefix(text, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			return obj, nil
		}
	}

	// Tier 2: a fenced code block wraps the object.
	if m := jsonFencePattern.FindStringSubmatch(text); m != nil {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m[1]), &obj); err == nil {
			return obj, nil
		}
	}

	// Tier 3: the first balanced {…} block inside surrounding prose.
	if block := firstBraceBlock(text); block != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(block), &obj); err == nil {
			return obj, nil
		}
	}

	return nil, fmt.Errorf("no JSON object found in model output")
}

// firstBraceBlock returns the first balanced top-level {…} block, tracking
// string literals and escapes so braces inside values do not miscount.
func firstBraceBlock(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// envelopeFromObject validates the decoded object against the two legal
// envelope shapes.
func envelopeFromObject(raw map[string]any) (*Envelope, error) {
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("envelope is missing a type field")
	}

	switch typ {
	case EnvelopeFinal:
		output, ok := raw["output"]
		if !ok {
			return nil, fmt.Errorf("final envelope is missing output")
		}
		return &Envelope{Type: EnvelopeFinal, Output: output}, nil

	case EnvelopeToolCall:
		toolID, ok := raw["toolId"].(string)
		if !ok || toolID == "" {
			return nil, fmt.Errorf("tool_call envelope is missing toolId")
		}
		input := map[string]any{}
		if v, ok := raw["input"]; ok && v != nil {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("tool_call input must be an object")
			}
			input = m
		}
		return &Envelope{Type: EnvelopeToolCall, ToolID: toolID, Input: input}, nil

	default:
		return nil, fmt.Errorf("unknown envelope type %q", typ)
	}
}
