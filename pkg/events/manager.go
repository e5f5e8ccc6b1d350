package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps the number of events returned by one catchup. Clients
// that missed more get a catchup.overflow frame and should reload the run
// event log over REST.
const catchupLimit = 200

// listenTimeout bounds the LISTEN issued when a channel gains its first
// subscriber. A stalled listener connection must not wedge the client's
// read loop forever.
const listenTimeout = 10 * time.Second

// StreamManager tracks WebSocket subscriptions to run channels and fans
// received notifications out to them. Each process runs one StreamManager;
// cross-process delivery rides on Postgres NOTIFY.
type StreamManager struct {
	connections map[string]*streamConn
	mu          sync.RWMutex

	// channel → set of connection ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchup CatchupQuerier

	listener   *Listener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
}

// streamConn is one WebSocket client.
//
// subscriptions is only touched from the goroutine running the connection's
// read loop (subscribe, unsubscribe, and the deferred unregister), so it
// needs no lock.
type streamConn struct {
	id            string
	ws            *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewStreamManager creates a StreamManager. The catchup querier may be nil
// in tests; subscriptions then deliver live events only.
func NewStreamManager(catchup CatchupQuerier, writeTimeout time.Duration) *StreamManager {
	return &StreamManager{
		connections:  make(map[string]*streamConn),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the Postgres listener used for dynamic LISTEN/UNLISTEN.
// Called once at startup after both sides exist.
func (m *StreamManager) SetListener(l *Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleNotification is the Listener handler for run channels. Non-run
// channels (queue wakeups share the same listener) are ignored here.
func (m *StreamManager) HandleNotification(channel, payload string) {
	if _, ok := RunIDFromChannel(channel); !ok {
		return
	}
	m.Broadcast(channel, []byte(payload))
}

// HandleConnection runs the read loop for an upgraded WebSocket until the
// client disconnects. Authentication happens before the upgrade; by the
// time a connection reaches the manager it may subscribe to any run channel
// the caller's middleware admitted.
func (m *StreamManager) HandleConnection(parentCtx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &streamConn{
		id:            uuid.New().String(),
		ws:            ws,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]any{
		"type":         "connection.established",
		"connectionId": c.id,
	})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid stream message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast delivers a payload to every subscriber of a channel.
func (m *StreamManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	subs, ok := m.channels[channel]
	if !ok {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers before sending so slow writes (up to
	// writeTimeout each) never stall register/unregister.
	m.mu.RLock()
	conns := make([]*streamConn, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to stream client", "connection_id", c.id, "error", err)
		}
	}
}

// ActiveConnections returns the number of connected stream clients.
func (m *StreamManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *StreamManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *StreamManager) handleClientMessage(ctx context.Context, c *streamConn, msg *ClientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		runID, ok := RunIDFromChannel(msg.Channel)
		if !ok {
			m.sendJSON(c, map[string]any{"type": "error", "message": "subscribe requires a run channel"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]any{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]any{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Auto catch-up so late subscribers see the whole run so far.
		m.sendCatchup(ctx, c, msg.Channel, runID, msg.SinceID)

	case ActionUnsubscribe:
		if msg.Channel == "" {
			m.sendJSON(c, map[string]any{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case ActionCatchup:
		runID, ok := RunIDFromChannel(msg.Channel)
		if !ok {
			m.sendJSON(c, map[string]any{"type": "error", "message": "catchup requires a run channel"})
			return
		}
		m.sendCatchup(ctx, c, msg.Channel, runID, msg.SinceID)

	case ActionPing:
		m.sendJSON(c, map[string]any{"type": "pong"})

	default:
		m.sendJSON(c, map[string]any{"type": "error", "message": fmt.Sprintf("unknown action %q", msg.Action)})
	}
}

// subscribe registers the connection and issues LISTEN when it is the
// channel's first subscriber. LISTEN completes before subscribe returns, so
// the auto-catchup that follows runs with delivery already active and no
// event can fall between catchup and the live stream.
func (m *StreamManager) subscribe(c *streamConn, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.id] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Listen(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes every subscriber from a channel after a
// LISTEN failure and notifies the ones that raced in behind the triggering
// connection. Those connections saw the channel entry already present,
// skipped LISTEN, and got a confirmation for a subscription that was never
// backed by Postgres. Clients must treat subscription.error as
// authoritative and drop anything previously received for the channel.
func (m *StreamManager) cleanupFailedChannel(triggering *streamConn, channel string) {
	m.channelMu.Lock()
	affected := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		if id != triggering.id {
			affected = append(affected, id)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affected) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*streamConn, 0, len(affected))
	for _, id := range affected {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", c.id, "channel", channel)
		m.sendJSON(c, map[string]any{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes the connection from a channel and schedules UNLISTEN
// when the last subscriber leaves. The goroutine re-checks m.channels before
// issuing UNLISTEN so a rapid unsubscribe/resubscribe cycle does not drop an
// active LISTEN.
func (m *StreamManager) unsubscribe(c *streamConn, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unlisten(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// sendCatchup streams persisted events with id > sinceID to the client.
// Frames are full event rows, the same shape live notifications carry, so
// clients need a single decode path and dedupe by id.
func (m *StreamManager) sendCatchup(ctx context.Context, c *streamConn, channel, runID string, sinceID int64) {
	if m.catchup == nil {
		return
	}

	events, err := m.catchup.GetCatchupEvents(ctx, runID, sinceID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event", "connection_id", c.id, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":    "catchup.overflow",
			"channel": channel,
			"hasMore": true,
		})
	}
}

func (m *StreamManager) register(c *streamConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *StreamManager) unregister(c *streamConn) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (m *StreamManager) sendJSON(c *streamConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal stream message", "connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send stream message", "connection_id", c.id, "error", err)
	}
}

func (m *StreamManager) sendRaw(c *streamConn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}
