package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vespid/vespid/pkg/agent"
)

// ClientOptions configure the OpenAI-compatible streaming client.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	Headers map[string]string

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// Client speaks the OpenAI-compatible streaming chat-completions protocol.
type Client struct {
	opts *ClientOptions
}

// NewClient builds a client against an OpenAI-compatible endpoint.
func NewClient(opts *ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.BaseURL == "" {
		opts.BaseURL = openAIBaseURL
	}
	return &Client{opts: opts}
}

// Wire shapes for the chat-completions stream.
type chatRequest struct {
	Model         string          `json:"model"`
	Messages      []agent.Message `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Generate implements agent.LLMClient. The request carries the caller's
// deadline; the SSE reader goroutine closes the channel when the stream
// ends, errors, or the context is done.
func (c *Client) Generate(ctx context.Context, in *agent.GenerateInput) (<-chan agent.Chunk, error) {
	payload, err := json.Marshal(&chatRequest{
		Model:         in.Model,
		Messages:      in.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	res, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		return nil, fmt.Errorf("chat completions returned %s: %s",
			res.Status, apiErrorMessage(res.Body))
	}

	out := make(chan agent.Chunk)
	go func() {
		defer res.Body.Close()
		defer close(out)
		reader := bufio.NewReader(res.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					send(ctx, out, &agent.ErrorChunk{Message: err.Error(), Retryable: true})
				}
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "data: [DONE]" {
				return
			}
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				send(ctx, out, &agent.ErrorChunk{Message: chunk.Error.Message, Code: chunk.Error.Type})
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !send(ctx, out, &agent.TextChunk{Content: choice.Delta.Content}) {
						return
					}
				}
			}
			if chunk.Usage != nil {
				if !send(ctx, out, &agent.UsageChunk{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}) {
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements agent.LLMClient; the underlying transport is shared and
// left open.
func (c *Client) Close() error { return nil }

// send delivers one chunk unless the context ends first.
func send(ctx context.Context, out chan<- agent.Chunk, chunk agent.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// apiErrorMessage extracts the provider error message from a non-200 body.
func apiErrorMessage(body io.Reader) string {
	var decoded struct {
		Error *apiError `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&decoded); err != nil || decoded.Error == nil {
		return "unknown error"
	}
	return decoded.Error.Message
}
