package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/models"
)

// Session drives one executor WebSocket from upgrade to close. The read
// loop runs on the connection's goroutine; Send serializes writes so result
// acks and execute frames never interleave mid-frame.
type Session struct {
	executor *models.Executor
	ws       *websocket.Conn
	registry *Registry
	router   *Router

	helloTimeout time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
}

// NewSession wraps an upgraded, authenticated executor socket.
func NewSession(executor *models.Executor, ws *websocket.Conn, registry *Registry, router *Router,
	cfg *config.GatewayConfig) *Session {
	return &Session{
		executor:     executor,
		ws:           ws,
		registry:     registry,
		router:       router,
		helloTimeout: cfg.HelloTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Run registers the executor after its hello frame and reads frames until
// the socket closes. Pending requests survive the disconnect: their timers
// or a resent result resolve them.
func (s *Session) Run(ctx context.Context) {
	frame, err := s.readHello(ctx)
	if err != nil {
		slog.Warn("Executor handshake failed", "executor_id", s.executor.ID, "error", err)
		s.ws.Close(websocket.StatusPolicyViolation, "expected hello frame")
		return
	}

	conn := s.buildConn(frame)
	if old := s.registry.Add(conn); old != nil {
		slog.Info("Executor reconnected, closing previous socket", "executor_id", conn.ID)
		old.Close("replaced by new connection")
	}
	defer s.registry.Remove(conn)

	slog.Info("Executor connected",
		"executor_id", conn.ID, "pool", conn.Pool, "name", conn.Name,
		"kinds", conn.Kinds, "agent_version", conn.AgentVersion)

	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			slog.Info("Executor disconnected", "executor_id", conn.ID)
			return
		}
		var frame executorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid executor frame", "executor_id", conn.ID, "error", err)
			continue
		}
		s.handleFrame(ctx, &frame)
	}
}

// Send implements FrameSender.
func (s *Session) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.ws.Write(writeCtx, websocket.MessageText, data)
}

// Close implements FrameSender.
func (s *Session) Close(reason string) {
	s.ws.Close(websocket.StatusNormalClosure, reason)
}

// readHello waits for the first frame, which must be hello or
// executor_hello_v2, within the handshake timeout.
func (s *Session) readHello(ctx context.Context) (*executorFrame, error) {
	helloCtx, cancel := context.WithTimeout(ctx, s.helloTimeout)
	defer cancel()

	_, data, err := s.ws.Read(helloCtx)
	if err != nil {
		return nil, err
	}
	var frame executorFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Type != frameHello && frame.Type != frameHelloV2 {
		return nil, fmt.Errorf("first frame is %q, want hello", frame.Type)
	}
	return &frame, nil
}

// buildConn merges the hello capabilities over the executor's pairing
// record. Hello tags join the persisted labels under one namespace, so tag
// and group selectors match either source.
func (s *Session) buildConn(frame *executorFrame) *ExecutorConn {
	conn := &ExecutorConn{
		ID:           s.executor.ID,
		OrgID:        s.executor.OrganizationID,
		Pool:         s.executor.Pool,
		Name:         s.executor.Name,
		AgentVersion: frame.AgentVersion,
		Labels:       slices.Clone(s.executor.Labels),
		Kinds:        s.executor.Kinds,
		Connectors:   s.executor.Connectors,
		MaxInFlight:  s.executor.MaxInFlight,
		ConnectedAt:  time.Now(),
		send:         s,
	}
	if frame.Name != "" {
		conn.Name = frame.Name
	}
	caps := frame.Capabilities
	if caps == nil {
		return conn
	}
	if len(caps.Kinds) > 0 {
		conn.Kinds = caps.Kinds
	}
	if len(caps.Connectors) > 0 {
		conn.Connectors = caps.Connectors
	}
	if caps.MaxInFlight > 0 {
		conn.MaxInFlight = caps.MaxInFlight
	}
	for _, tag := range caps.Tags {
		if !slices.Contains(conn.Labels, tag) {
			conn.Labels = append(conn.Labels, tag)
		}
	}
	return conn
}

func (s *Session) handleFrame(ctx context.Context, frame *executorFrame) {
	switch frame.Type {
	case framePing:
		// Keepalive; the read itself is the signal.

	case frameResult:
		res := &models.RemoteResult{
			RequestID: frame.RequestID,
			Status:    frame.Status,
			Output:    frame.Output,
			Error:     frame.Error,
		}
		acked, err := s.router.HandleResult(ctx, res)
		if err != nil {
			slog.Error("Failed to ingest executor result",
				"executor_id", s.executor.ID, "request_id", frame.RequestID, "error", err)
		}
		if acked {
			ack := &ackFrame{Type: frameExecuteAck, RequestID: frame.RequestID}
			if err := s.Send(ctx, ack); err != nil {
				slog.Warn("Failed to ack result",
					"executor_id", s.executor.ID, "request_id", frame.RequestID, "error", err)
			}
		}

	case frameEvent:
		if frame.Event == nil {
			slog.Warn("execute_event frame without event",
				"executor_id", s.executor.ID, "request_id", frame.RequestID)
			return
		}
		if frame.Event.RequestID == "" {
			frame.Event.RequestID = frame.RequestID
		}
		if err := s.router.HandleEvent(ctx, frame.Event); err != nil {
			slog.Error("Failed to ingest executor event",
				"executor_id", s.executor.ID, "request_id", frame.Event.RequestID, "error", err)
		}

	case frameHello, frameHelloV2:
		slog.Warn("Duplicate hello ignored", "executor_id", s.executor.ID)

	default:
		slog.Warn("Unknown executor frame type",
			"executor_id", s.executor.ID, "type", frame.Type)
	}
}
