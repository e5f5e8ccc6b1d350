package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunChannel(t *testing.T) {
	assert.Equal(t, "run:abc-123", RunChannel("abc-123"))
}

func TestRunIDFromChannel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		wantID  string
		wantOK  bool
	}{
		{name: "run channel", channel: "run:abc-123", wantID: "abc-123", wantOK: true},
		{name: "queue wakeup channel", channel: "vespid_queue_workflow_runs", wantOK: false},
		{name: "empty run id", channel: "run:", wantOK: false},
		{name: "empty string", channel: "", wantOK: false},
		{name: "prefix only as id", channel: "run:run:nested", wantID: "run:nested", wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := RunIDFromChannel(tt.channel)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}
