package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/store"
	testdb "github.com/vespid/vespid/test/database"
	"github.com/vespid/vespid/test/util"
)

// streamingTestEnv wires publisher, listener, stream manager, and catchup
// store against a real PostgreSQL database (testcontainers locally, service
// container in CI).
type streamingTestEnv struct {
	dbClient   *database.Client
	publisher  *events.Publisher
	eventStore *store.EventStore
	manager    *events.StreamManager
	listener   *events.Listener
	server     *httptest.Server
	runID      string
	channel    string
}

func setupStreamingTest(t *testing.T, pubOpts ...events.PublisherOption) *streamingTestEnv {
	t.Helper()

	dbClient := testdb.NewTestClient(t)
	runID := uuid.New().String()

	publisher := events.NewPublisher(dbClient.DB(), pubOpts...)
	eventStore := store.NewEventStore(dbClient)
	manager := events.NewStreamManager(eventStore, 5*time.Second)

	// The listener needs the base connection string (no schema search_path):
	// NOTIFY/LISTEN is database-level, not schema-level.
	listener := events.NewListener(util.GetBaseConnectionString(t), manager.HandleNotification)
	require.NoError(t, listener.Start(context.Background()))
	manager.SetListener(listener)
	t.Cleanup(func() { listener.Stop(context.Background()) })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(func() { server.Close() })

	return &streamingTestEnv{
		dbClient:   dbClient,
		publisher:  publisher,
		eventStore: eventStore,
		manager:    manager,
		listener:   listener,
		server:     server,
		runID:      runID,
		channel:    events.RunChannel(runID),
	}
}

func (env *streamingTestEnv) connectWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + env.server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSONTimeout(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeClientMessage(t *testing.T, conn *websocket.Conn, msg events.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// subscribe connects, completes the handshake, and subscribes to the env's
// run channel. Confirmation implies the LISTEN round-tripped, so events
// published afterwards are guaranteed to be delivered.
func (env *streamingTestEnv) subscribe(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := env.connectWS(t)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "connection.established", msg["type"])

	writeClientMessage(t, conn, events.ClientMessage{Action: events.ActionSubscribe, Channel: env.channel})
	msg = readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "subscription.confirmed", msg["type"])
	return conn
}

func TestIntegration_PublisherPersistsAndNotifies(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	first, err := env.publisher.Append(ctx, &models.RunEvent{
		RunID:        env.runID,
		AttemptCount: 1,
		EventType:    models.EventNodeStarted,
		NodeID:       "greet",
		Message:      "node started",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Seq)
	assert.Positive(t, first.ID)

	second, err := env.publisher.Append(ctx, &models.RunEvent{
		RunID:        env.runID,
		AttemptCount: 1,
		EventType:    models.EventNodeSucceeded,
		NodeID:       "greet",
		Payload:      map[string]any{"result": "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Seq)
	assert.Greater(t, second.ID, first.ID)

	persisted, err := env.eventStore.ListEvents(ctx, env.runID, 0, 100)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, models.EventNodeStarted, persisted[0].EventType)
	assert.Equal(t, "node started", persisted[0].Message)
	assert.Equal(t, models.EventNodeSucceeded, persisted[1].EventType)
	assert.Equal(t, map[string]any{"result": "ok"}, persisted[1].Payload)
}

func TestIntegration_EndToEnd_PublishToWebSocket(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribe(t)

	_, err := env.publisher.Append(ctx, &models.RunEvent{
		RunID:        env.runID,
		AttemptCount: 1,
		EventType:    models.EventNodeStarted,
		NodeID:       "deploy",
		Message:      "hello from publisher",
	})
	require.NoError(t, err)

	// The frame arrives via pg_notify, the listener connection, and the
	// manager broadcast, carrying the full persisted row.
	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, models.EventNodeStarted, msg["eventType"])
	assert.Equal(t, env.runID, msg["runId"])
	assert.Equal(t, "deploy", msg["nodeId"])
	assert.Equal(t, "hello from publisher", msg["message"])
	assert.Equal(t, float64(1), msg["seq"])
	assert.NotNil(t, msg["id"])
}

func TestIntegration_SubscriberIsolation(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribe(t)

	// An event for a different run must not reach this subscriber.
	_, err := env.publisher.Append(ctx, &models.RunEvent{
		RunID:        uuid.New().String(),
		AttemptCount: 1,
		EventType:    models.EventNodeStarted,
	})
	require.NoError(t, err)

	_, err = env.publisher.Append(ctx, &models.RunEvent{
		RunID:        env.runID,
		AttemptCount: 1,
		EventType:    models.EventRunSucceeded,
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, models.EventRunSucceeded, msg["eventType"])
	assert.Equal(t, env.runID, msg["runId"])
}

func TestIntegration_CatchupFromRealDB(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	// Pre-populate before anyone subscribes.
	var ids []int64
	for i := 1; i <= 3; i++ {
		ev, err := env.publisher.Append(ctx, &models.RunEvent{
			RunID:        env.runID,
			AttemptCount: 1,
			EventType:    models.EventNodeStarted,
			Payload:      map[string]any{"index": i},
		})
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	// A late subscriber gets the full history right after confirmation.
	conn := env.subscribe(t)
	for i := 1; i <= 3; i++ {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, float64(i), msg["seq"])
		payload := msg["payload"].(map[string]any)
		assert.Equal(t, float64(i), payload["index"])
	}

	// Explicit catchup from the first id replays only what follows it.
	writeClientMessage(t, conn, events.ClientMessage{
		Action:  events.ActionCatchup,
		Channel: env.channel,
		SinceID: ids[0],
	})
	for i := 2; i <= 3; i++ {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, float64(i), msg["seq"])
	}

	// Nothing further is pending.
	readCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err)
}

func TestIntegration_OversizedNotifyFallsBackToEnvelope(t *testing.T) {
	// Payload fits the configured log bound but exceeds the NOTIFY limit, so
	// the wire frame degrades to a routing envelope and the client re-fetches
	// the full row by id.
	env := setupStreamingTest(t, events.WithPayloadMaxChars(50000))
	ctx := context.Background()

	conn := env.subscribe(t)

	blob := strings.Repeat("x", 10000)
	published, err := env.publisher.Append(ctx, &models.RunEvent{
		RunID:        env.runID,
		AttemptCount: 1,
		EventType:    models.EventAgentToolResult,
		Payload:      map[string]any{"blob": blob},
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, true, msg["truncated"])
	assert.Equal(t, models.EventAgentToolResult, msg["eventType"])
	assert.Equal(t, float64(published.ID), msg["id"])
	assert.Nil(t, msg["payload"])

	// Catchup from just before the envelope id returns the intact row.
	writeClientMessage(t, conn, events.ClientMessage{
		Action:  events.ActionCatchup,
		Channel: env.channel,
		SinceID: published.ID - 1,
	})
	msg = readJSONTimeout(t, conn, 5*time.Second)
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, blob, payload["blob"])
}

func TestIntegration_StoredPayloadIsCapped(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	blob := strings.Repeat("y", 10000)
	_, err := env.publisher.Append(ctx, &models.RunEvent{
		RunID:        env.runID,
		AttemptCount: 1,
		EventType:    models.EventAgentToolResult,
		Payload:      map[string]any{"blob": blob},
	})
	require.NoError(t, err)

	persisted, err := env.eventStore.ListEvents(ctx, env.runID, 0, 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	payload := persisted[0].Payload
	assert.Equal(t, true, payload["truncated"])
	preview, ok := payload["preview"].(string)
	require.True(t, ok)
	assert.Len(t, preview, events.DefaultPayloadMaxChars)
	assert.Greater(t, payload["originalLength"], float64(10000))
}
