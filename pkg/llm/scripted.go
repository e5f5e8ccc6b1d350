package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/vespid/vespid/pkg/agent"
)

// Completion is one scripted model response: deltas streamed in order,
// optionally ending in a stream error.
type Completion struct {
	Deltas []string
	Err    string
}

// FinalJSON scripts a single-delta final envelope carrying output.
func FinalJSON(output string) Completion {
	return Completion{Deltas: []string{`{"type":"final","output":` + output + `}`}}
}

// ToolCallJSON scripts a single-delta tool_call envelope.
func ToolCallJSON(toolID, input string) Completion {
	return Completion{Deltas: []string{`{"type":"tool_call","toolId":"` + toolID + `","input":` + input + `}`}}
}

// Scripted is a deterministic LLMClient: each Generate pops the next
// scripted completion and records the input it was invoked with, so tests
// can assert on both sides of the conversation.
type Scripted struct {
	mu     sync.Mutex
	script []Completion
	calls  []*agent.GenerateInput
}

// NewScripted builds a client that plays completions in order.
func NewScripted(script ...Completion) *Scripted {
	return &Scripted{script: script}
}

// Append adds completions to the remaining script.
func (s *Scripted) Append(completions ...Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, completions...)
}

// Generate implements agent.LLMClient.
func (s *Scripted) Generate(_ context.Context, in *agent.GenerateInput) (<-chan agent.Chunk, error) {
	s.mu.Lock()
	s.calls = append(s.calls, in)
	if len(s.script) == 0 {
		n := len(s.calls)
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted llm: no completion for call %d", n)
	}
	next := s.script[0]
	s.script = s.script[1:]
	s.mu.Unlock()

	out := make(chan agent.Chunk, len(next.Deltas)+1)
	for _, d := range next.Deltas {
		out <- &agent.TextChunk{Content: d}
	}
	if next.Err != "" {
		out <- &agent.ErrorChunk{Message: next.Err}
	}
	close(out)
	return out, nil
}

// Close implements agent.LLMClient.
func (s *Scripted) Close() error { return nil }

// Calls returns the generate inputs seen so far, oldest first.
func (s *Scripted) Calls() []*agent.GenerateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*agent.GenerateInput(nil), s.calls...)
}
