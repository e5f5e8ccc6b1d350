package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/agent"
)

func collectChunks(t *testing.T, ch <-chan agent.Chunk) []agent.Chunk {
	t.Helper()
	var out []agent.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func generateInput() *agent.GenerateInput {
	return &agent.GenerateInput{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Messages: []agent.Message{
			{Role: agent.RoleSystem, Content: "You are terse."},
			{Role: agent.RoleUser, Content: "hi"},
		},
	}
}

func TestClientGenerateStreams(t *testing.T) {
	requests := make(chan chatRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "acme", r.Header.Get("X-Org"))
		var captured chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		requests <- captured

		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer server.Close()

	client := NewClient(&ClientOptions{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Headers: map[string]string{"X-Org": "acme"},
	})
	ch, err := client.Generate(context.Background(), generateInput())
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, &agent.TextChunk{Content: "Hel"}, chunks[0])
	assert.Equal(t, &agent.TextChunk{Content: "lo"}, chunks[1])
	assert.Equal(t, &agent.UsageChunk{InputTokens: 12, OutputTokens: 3}, chunks[2])

	// The request carried the streaming protocol fields.
	captured := <-requests
	assert.Equal(t, "gpt-4o-mini", captured.Model)
	assert.True(t, captured.Stream)
	require.NotNil(t, captured.StreamOptions)
	assert.True(t, captured.StreamOptions.IncludeUsage)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, agent.RoleSystem, captured.Messages[0].Role)
}

func TestClientGenerateStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\",\"type\":\"server_error\"}}\n\n")
	}))
	defer server.Close()

	client := NewClient(&ClientOptions{BaseURL: server.URL, APIKey: "k"})
	ch, err := client.Generate(context.Background(), generateInput())
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, &agent.TextChunk{Content: "par"}, chunks[0])
	assert.Equal(t, &agent.ErrorChunk{Message: "overloaded", Code: "server_error"}, chunks[1])
}

func TestClientGenerateNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
	}))
	defer server.Close()

	client := NewClient(&ClientOptions{BaseURL: server.URL, APIKey: "k"})
	_, err := client.Generate(context.Background(), generateInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestClientGenerateEndsCleanlyWithoutDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}\n\n")
	}))
	defer server.Close()

	client := NewClient(&ClientOptions{BaseURL: server.URL, APIKey: "k"})
	ch, err := client.Generate(context.Background(), generateInput())
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, &agent.TextChunk{Content: "tail"}, chunks[0])
}
