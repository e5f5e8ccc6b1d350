package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/models"
)

func TestCapPayload(t *testing.T) {
	t.Run("nil payload stays nil", func(t *testing.T) {
		assert.Nil(t, capPayload(nil, 100))
	})

	t.Run("small payload unchanged", func(t *testing.T) {
		payload := map[string]any{"exitCode": 0}
		assert.Equal(t, payload, capPayload(payload, 1000))
	})

	t.Run("oversized payload becomes summary", func(t *testing.T) {
		payload := map[string]any{"stdout": strings.Repeat("x", 500)}
		raw, err := json.Marshal(payload)
		require.NoError(t, err)

		capped := capPayload(payload, 50)
		assert.Equal(t, true, capped["truncated"])
		assert.Equal(t, len(raw), capped["originalLength"])

		preview, ok := capped["preview"].(string)
		require.True(t, ok)
		assert.LessOrEqual(t, len(preview), 50)
		assert.True(t, strings.HasPrefix(string(raw), preview))
	})
}

func TestBuildNotifyPayload(t *testing.T) {
	t.Run("small event delivered in full", func(t *testing.T) {
		ev := &models.RunEvent{
			ID:           42,
			RunID:        "run-1",
			AttemptCount: 1,
			Seq:          3,
			EventType:    models.EventNodeSucceeded,
			NodeID:       "fetch",
			Level:        models.LevelInfo,
			CreatedAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		}

		payload, err := buildNotifyPayload(ev)
		require.NoError(t, err)

		var got models.RunEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, ev.RunID, got.RunID)
		assert.Equal(t, ev.EventType, got.EventType)
		assert.Equal(t, ev.Seq, got.Seq)
	})

	t.Run("oversized event reduced to routing envelope", func(t *testing.T) {
		ev := &models.RunEvent{
			ID:           7,
			RunID:        "run-2",
			AttemptCount: 2,
			Seq:          11,
			EventType:    models.EventRemoteEvent,
			Payload:      map[string]any{"log": strings.Repeat("y", maxNotifyBytes)},
		}

		payload, err := buildNotifyPayload(ev)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(payload), maxNotifyBytes)

		var envelope map[string]any
		require.NoError(t, json.Unmarshal([]byte(payload), &envelope))
		assert.Equal(t, true, envelope["truncated"])
		assert.Equal(t, "run-2", envelope["runId"])
		assert.Equal(t, models.EventRemoteEvent, envelope["eventType"])
		assert.Equal(t, float64(7), envelope["id"])
		assert.Equal(t, float64(11), envelope["seq"])
		assert.NotContains(t, envelope, "payload")
	})
}

func TestWithPayloadMaxChars(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{name: "explicit value kept", in: 10000, want: 10000},
		{name: "zero falls back to default", in: 0, want: DefaultPayloadMaxChars},
		{name: "negative falls back to default", in: -5, want: DefaultPayloadMaxChars},
		{name: "above cap clamped", in: 500000, want: PayloadMaxCharsCap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(nil, WithPayloadMaxChars(tt.in))
			assert.Equal(t, tt.want, p.payloadMaxChars)
		})
	}
}

type upperMasker struct{}

func (upperMasker) MaskString(s string) string { return "***" }
func (upperMasker) MaskMap(m map[string]any) map[string]any {
	return map[string]any{"masked": true}
}

func TestPublisherScrub(t *testing.T) {
	p := NewPublisher(nil, WithMasker(upperMasker{}))
	ev := &models.RunEvent{
		RunID:     "run-1",
		EventType: models.EventNodeFailed,
		Message:   "token=abc",
		Payload:   map[string]any{"token": "abc"},
	}

	p.scrub(ev)
	assert.Equal(t, "***", ev.Message)
	assert.Equal(t, map[string]any{"masked": true}, ev.Payload)
}
