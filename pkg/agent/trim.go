package agent

import (
	"encoding/json"
	"strconv"

	"github.com/vespid/vespid/pkg/models"
)

// trimState drops oldest history entries until the serialized state fits
// within maxChars, garbage-collecting cached tool results that no
// remaining entry references. Returns the number of dropped entries and
// the serialized size after trimming.
func trimState(state *models.AgentRunState, maxChars int) (dropped, chars int) {
	if state == nil || maxChars <= 0 {
		return 0, 0
	}
	chars = stateChars(state)
	for chars > maxChars && len(state.History) > 0 {
		state.History = state.History[1:]
		dropped++
		chars = stateChars(state)
	}
	if dropped > 0 {
		collectToolResults(state)
		chars = stateChars(state)
	}
	return dropped, chars
}

// collectToolResults removes cached results whose callIndex no longer
// appears in history. The pending call's cache entry survives: resume
// needs it even after its history entry aged out.
func collectToolResults(state *models.AgentRunState) {
	if len(state.ToolResultsByCallIndex) == 0 {
		return
	}
	live := make(map[string]bool, len(state.History)+1)
	for _, h := range state.History {
		if h != nil && h.CallIndex > 0 {
			live[strconv.Itoa(h.CallIndex)] = true
		}
	}
	if state.PendingToolCall != nil {
		live[strconv.Itoa(state.PendingToolCall.CallIndex)] = true
	}
	for key := range state.ToolResultsByCallIndex {
		if !live[key] {
			delete(state.ToolResultsByCallIndex, key)
		}
	}
}

func stateChars(state *models.AgentRunState) int {
	b, err := json.Marshal(state)
	if err != nil {
		return 0
	}
	return len(b)
}
