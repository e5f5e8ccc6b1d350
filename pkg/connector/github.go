package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const githubConnectorID = "github"

var githubHTTPClient = &http.Client{Timeout: 30 * time.Second}

// GitHub returns the built-in GitHub connector. The credential is a
// personal access token or installation token resolved by the worker.
func GitHub() *Connector {
	return &Connector{
		ID:   githubConnectorID,
		Name: "GitHub",
		Actions: map[string]*Action{
			"create_issue": {
				ID:             "create_issue",
				Description:    "Create an issue in a repository",
				RequiresSecret: true,
				InputSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"owner", "repo", "title"},
					"additionalProperties": false,
					"properties": map[string]any{
						"owner":  map[string]any{"type": "string", "minLength": 1},
						"repo":   map[string]any{"type": "string", "minLength": 1},
						"title":  map[string]any{"type": "string", "minLength": 1},
						"body":   map[string]any{"type": "string"},
						"labels": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
				Execute: githubCreateIssue,
			},
			"get_issue": {
				ID:          "get_issue",
				Description: "Fetch a single issue",
				InputSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"owner", "repo", "number"},
					"additionalProperties": false,
					"properties": map[string]any{
						"owner":  map[string]any{"type": "string", "minLength": 1},
						"repo":   map[string]any{"type": "string", "minLength": 1},
						"number": map[string]any{"type": "integer", "minimum": 1},
					},
				},
				Execute: githubGetIssue,
			},
			"create_comment": {
				ID:             "create_comment",
				Description:    "Comment on an issue or pull request",
				RequiresSecret: true,
				InputSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"owner", "repo", "number", "body"},
					"additionalProperties": false,
					"properties": map[string]any{
						"owner":  map[string]any{"type": "string", "minLength": 1},
						"repo":   map[string]any{"type": "string", "minLength": 1},
						"number": map[string]any{"type": "integer", "minimum": 1},
						"body":   map[string]any{"type": "string", "minLength": 1},
					},
				},
				Execute: githubCreateComment,
			},
		},
	}
}

func githubCreateIssue(ctx context.Context, req *ActionRequest) (any, error) {
	owner, repo := stringField(req.Input, "owner"), stringField(req.Input, "repo")
	body := map[string]any{"title": req.Input["title"]}
	if v, ok := req.Input["body"]; ok {
		body["body"] = v
	}
	if v, ok := req.Input["labels"]; ok {
		body["labels"] = v
	}
	url := fmt.Sprintf("%s/repos/%s/%s/issues", strings.TrimSuffix(req.Env.GithubAPIBaseURL, "/"), owner, repo)
	return githubCall(ctx, http.MethodPost, url, req.Secret, body)
}

func githubGetIssue(ctx context.Context, req *ActionRequest) (any, error) {
	owner, repo := stringField(req.Input, "owner"), stringField(req.Input, "repo")
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d",
		strings.TrimSuffix(req.Env.GithubAPIBaseURL, "/"), owner, repo, intField(req.Input, "number"))
	return githubCall(ctx, http.MethodGet, url, req.Secret, nil)
}

func githubCreateComment(ctx context.Context, req *ActionRequest) (any, error) {
	owner, repo := stringField(req.Input, "owner"), stringField(req.Input, "repo")
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments",
		strings.TrimSuffix(req.Env.GithubAPIBaseURL, "/"), owner, repo, intField(req.Input, "number"))
	return githubCall(ctx, http.MethodPost, url, req.Secret, map[string]any{"body": req.Input["body"]})
}

// githubCall performs one GitHub API request and decodes the JSON response.
// Non-2xx statuses are errors carrying the status and a response excerpt.
func githubCall(ctx context.Context, method, url, secret string, body map[string]any) (any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := githubHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GitHub request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read GitHub response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GitHub returned HTTP %d: %s", resp.StatusCode, excerpt(payload, 200))
	}

	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode GitHub response: %w", err)
		}
	}
	return decoded, nil
}

func excerpt(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// intField reads an integer that may arrive as a JSON float64.
func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
