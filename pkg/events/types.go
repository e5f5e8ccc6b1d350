// Package events persists workflow run events and fans them out to
// subscribers. Events are written to the run_events table and announced on a
// per-run Postgres NOTIFY channel inside the same transaction, so a committed
// row is always observable both by catchup queries and by live listeners.
//
// Architecture:
//   - Publisher: transactional INSERT + pg_notify, payload capping, masking
//   - Listener: one dedicated Postgres connection executing LISTEN/UNLISTEN
//   - StreamManager: WebSocket subscriptions with catchup on subscribe
package events

import (
	"context"
	"strings"

	"github.com/vespid/vespid/pkg/models"
)

// runChannelPrefix namespaces per-run NOTIFY channels. Postgres channel
// names are server-wide, so every run channel carries the run UUID.
const runChannelPrefix = "run:"

// RunChannel returns the NOTIFY channel carrying events for a run.
func RunChannel(runID string) string {
	return runChannelPrefix + runID
}

// RunIDFromChannel extracts the run ID from a run channel name. The second
// return is false for channels outside the run namespace.
func RunIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, runChannelPrefix) {
		return "", false
	}
	id := channel[len(runChannelPrefix):]
	if id == "" {
		return "", false
	}
	return id, true
}

// Client actions accepted on the event stream WebSocket.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionCatchup     = "catchup"
	ActionPing        = "ping"
)

// ClientMessage is the inbound frame on the event stream WebSocket.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	// SinceID requests catchup of events with id > SinceID. Zero means no
	// catchup; clients reconnecting pass the last event id they saw.
	SinceID int64 `json:"sinceId,omitempty"`
}

// CatchupQuerier supplies persisted events for the catchup mechanism.
// Implemented by the event store; the manager only needs this slice of it.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, runID string, sinceID int64, limit int) ([]*models.RunEvent, error)
}
