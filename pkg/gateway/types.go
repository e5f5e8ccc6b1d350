// Package gateway routes dispatched work to connected executors over
// WebSockets. State is process-local: the executor registry, the pending
// request table, and the orphan result buffer all live in memory, while
// durability rides on the continuation queue and the run's blocked timeout.
package gateway

import (
	"context"

	"github.com/vespid/vespid/pkg/models"
)

// Frame types on the executor WebSocket.
const (
	// Executor to gateway.
	frameHello   = "hello"
	frameHelloV2 = "executor_hello_v2"
	framePing    = "ping"
	frameResult  = "execute_result"
	frameEvent   = "execute_event"

	// Gateway to executor.
	frameExecute    = "execute"
	frameExecuteAck = "execute_ack"
)

// Capabilities is the capability block of a hello frame. Fields left empty
// fall back to the executor's persisted pairing record.
type Capabilities struct {
	Kinds       []string `json:"kinds,omitempty"`
	Connectors  []string `json:"connectors,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	MaxInFlight int      `json:"maxInFlight,omitempty"`
}

// executorFrame is the single inbound frame shape. Fields are populated
// according to Type; unknown fields are ignored so executor agents can be
// newer than the gateway.
type executorFrame struct {
	Type         string              `json:"type"`
	AgentVersion string              `json:"agentVersion,omitempty"`
	Name         string              `json:"name,omitempty"`
	Capabilities *Capabilities       `json:"capabilities,omitempty"`
	TS           int64               `json:"ts,omitempty"`
	RequestID    string              `json:"requestId,omitempty"`
	Status       string              `json:"status,omitempty"`
	Output       any                 `json:"output,omitempty"`
	Error        string              `json:"error,omitempty"`
	Event        *models.RemoteEvent `json:"event,omitempty"`
}

// executeFrame carries one dispatched request to an executor.
type executeFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	OrgID     string         `json:"orgId"`
	UserID    string         `json:"userId,omitempty"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Secret    string         `json:"secret,omitempty"`
}

// ackFrame confirms durable application of a result so the executor stops
// resending it.
type ackFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// FrameSender delivers gateway-originated frames to one executor socket.
// Session implements it over a WebSocket; tests substitute in-memory fakes.
type FrameSender interface {
	Send(ctx context.Context, frame any) error
	Close(reason string)
}
