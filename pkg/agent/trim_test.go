package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/models"
)

func TestTrimState(t *testing.T) {
	t.Run("under budget is untouched", func(t *testing.T) {
		state := &models.AgentRunState{
			Turns: 2,
			History: []*models.AgentHistory{
				{Kind: models.HistoryToolCall, CallIndex: 1, ToolID: "shell.run"},
			},
		}
		dropped, chars := trimState(state, 1_000_000)
		assert.Zero(t, dropped)
		assert.Greater(t, chars, 0)
		assert.Len(t, state.History, 1)
	})

	t.Run("drops oldest entries first", func(t *testing.T) {
		big := strings.Repeat("x", 400)
		state := &models.AgentRunState{
			History: []*models.AgentHistory{
				{Kind: models.HistoryToolCall, CallIndex: 1, ToolID: "a", Input: map[string]any{"blob": big}},
				{Kind: models.HistoryToolResult, CallIndex: 1, ToolID: "a", Status: "succeeded", Result: big},
				{Kind: models.HistoryToolCall, CallIndex: 2, ToolID: "b", Input: map[string]any{"blob": big}},
				{Kind: models.HistoryToolResult, CallIndex: 2, ToolID: "b", Status: "succeeded", Result: "small"},
			},
			ToolResultsByCallIndex: map[string]any{
				"1": map[string]any{"status": "succeeded"},
				"2": map[string]any{"status": "succeeded"},
			},
		}

		dropped, chars := trimState(state, 700)
		require.Greater(t, dropped, 0)
		assert.LessOrEqual(t, chars, 700)

		// The newest entry survives longest.
		last := state.History[len(state.History)-1]
		assert.Equal(t, 2, last.CallIndex)
		assert.Equal(t, models.HistoryToolResult, last.Kind)
	})

	t.Run("garbage-collects orphaned cached results", func(t *testing.T) {
		big := strings.Repeat("y", 600)
		state := &models.AgentRunState{
			History: []*models.AgentHistory{
				{Kind: models.HistoryToolCall, CallIndex: 1, ToolID: "a", Input: map[string]any{"blob": big}},
				{Kind: models.HistoryToolResult, CallIndex: 1, ToolID: "a", Status: "succeeded", Result: big},
				{Kind: models.HistoryToolCall, CallIndex: 2, ToolID: "b"},
				{Kind: models.HistoryToolResult, CallIndex: 2, ToolID: "b", Status: "succeeded", Result: "ok"},
			},
			ToolResultsByCallIndex: map[string]any{
				"1": map[string]any{"status": "succeeded", "result": big},
				"2": map[string]any{"status": "succeeded", "result": "ok"},
			},
		}

		dropped, _ := trimState(state, 1000)
		require.Greater(t, dropped, 0)
		assert.NotContains(t, state.ToolResultsByCallIndex, "1")
		assert.Contains(t, state.ToolResultsByCallIndex, "2")
	})

	t.Run("pending call cache entry survives", func(t *testing.T) {
		big := strings.Repeat("z", 500)
		state := &models.AgentRunState{
			History: []*models.AgentHistory{
				{Kind: models.HistoryToolCall, CallIndex: 1, ToolID: "a", Input: map[string]any{"blob": big}},
				{Kind: models.HistoryToolResult, CallIndex: 1, ToolID: "a", Status: "succeeded", Result: big},
			},
			ToolResultsByCallIndex: map[string]any{
				"1": map[string]any{"status": "succeeded", "result": "kept"},
			},
			PendingToolCall: &models.PendingToolCall{ToolID: "a", CallIndex: 1},
		}

		dropped, _ := trimState(state, 300)
		require.Greater(t, dropped, 0)
		assert.Contains(t, state.ToolResultsByCallIndex, "1")
	})

	t.Run("empty history stops trimming", func(t *testing.T) {
		state := &models.AgentRunState{
			Turns:   1,
			History: []*models.AgentHistory{{Kind: models.HistoryToolCall, CallIndex: 1}},
		}
		dropped, chars := trimState(state, 10)
		assert.Equal(t, 1, dropped)
		assert.Greater(t, chars, 10)
		assert.Empty(t, state.History)
	})

	t.Run("nil state is a no-op", func(t *testing.T) {
		dropped, chars := trimState(nil, 100)
		assert.Zero(t, dropped)
		assert.Zero(t, chars)
	})
}
