package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// ScriptedExecutor is a minimal executor agent speaking the production
// WebSocket protocol: pair over the internal issue route, greet with
// executor_hello_v2, then serve execute frames from the test body.
type ScriptedExecutor struct {
	ExecutorID string
	Token      string
	Name       string

	app *TestApp
	ws  *websocket.Conn
}

// PairExecutor issues a managed executor credential through the gateway and
// returns a client holding the one-time token. Connect must be called before
// the executor is eligible for dispatch.
func PairExecutor(t *testing.T, app *TestApp, name string, kinds, connectors []string) *ScriptedExecutor {
	t.Helper()
	body := app.internalRequest(t, http.MethodPost, "/internal/v1/managed-executors/issue",
		map[string]any{"name": name, "kinds": kinds, "connectors": connectors},
		http.StatusCreated)

	executorID, _ := body["executorId"].(string)
	token, _ := body["token"].(string)
	require.NotEmpty(t, executorID)
	require.NotEmpty(t, token)
	return &ScriptedExecutor{ExecutorID: executorID, Token: token, Name: name, app: app}
}

// Connect dials the executor WebSocket, sends the hello frame, and waits
// until the gateway registry reports the executor online.
func (e *ScriptedExecutor) Connect(t *testing.T, caps map[string]any) {
	t.Helper()
	url := "ws" + e.app.GatewayURL[len("http"):] + "/ws/executor"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+e.Token)
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: headers})
	require.NoError(t, err)
	e.ws = ws
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	e.writeFrame(t, map[string]any{
		"type":         "executor_hello_v2",
		"agentVersion": "e2e-1.0",
		"name":         e.Name,
		"capabilities": caps,
	})

	require.Eventually(t, func() bool {
		_, ok := e.app.Registry.Get(e.ExecutorID)
		return ok
	}, 5*time.Second, 20*time.Millisecond, "executor %s never registered", e.ExecutorID)
}

// ReadExecute blocks until the gateway pushes an execute frame.
func (e *ScriptedExecutor) ReadExecute(t *testing.T) map[string]any {
	t.Helper()
	frame := e.readFrame(t)
	require.Equal(t, "execute", frame["type"], "unexpected frame: %v", frame)
	return frame
}

// SendResult reports a terminal result for a request and waits for the
// durable-application ack.
func (e *ScriptedExecutor) SendResult(t *testing.T, requestID, status string, output any) {
	t.Helper()
	e.writeFrame(t, map[string]any{
		"type":      "execute_result",
		"requestId": requestID,
		"status":    status,
		"output":    output,
	})
	ack := e.readFrame(t)
	require.Equal(t, "execute_ack", ack["type"], "unexpected frame: %v", ack)
	require.Equal(t, requestID, ack["requestId"])
}

// Revoke invalidates the executor credential and drops its live socket.
func (e *ScriptedExecutor) Revoke(t *testing.T) {
	t.Helper()
	path := fmt.Sprintf("/internal/v1/executors/%s/revoke", e.ExecutorID)
	e.app.internalRequest(t, http.MethodPost, path, nil, http.StatusOK)
}

func (e *ScriptedExecutor) writeFrame(t *testing.T, frame any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, e.ws.Write(ctx, websocket.MessageText, data))
}

func (e *ScriptedExecutor) readFrame(t *testing.T) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, data, err := e.ws.Read(ctx)
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// internalRequest calls a service-token-guarded gateway route and decodes
// the JSON response.
func (app *TestApp) internalRequest(t *testing.T, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, app.GatewayURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e2eServiceToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		out = nil
	}
	require.Equal(t, wantStatus, resp.StatusCode, "response body: %v", out)
	return out
}
