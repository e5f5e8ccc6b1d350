package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vespid/vespid/pkg/models"
)

// Client is how the workflow stepper reaches the gateway. Both errors the
// queue layer retries on (RESULT_NOT_READY, GATEWAY_UNAVAILABLE) surface as
// CodedError so callers can branch on models.CodeOf.
type Client interface {
	Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error)
	FetchResult(ctx context.Context, requestID string) (*models.RemoteResult, error)
}

// LocalClient routes in-process, for single-binary deployments where the
// gateway runs beside the stepper.
type LocalClient struct {
	router *Router
}

// NewLocalClient wraps a router.
func NewLocalClient(router *Router) *LocalClient {
	return &LocalClient{router: router}
}

func (c *LocalClient) Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error) {
	return c.router.Dispatch(ctx, req)
}

func (c *LocalClient) FetchResult(ctx context.Context, requestID string) (*models.RemoteResult, error) {
	return c.router.FetchResult(ctx, requestID)
}

// HTTPClient reaches a remote gateway over its internal API, for split
// deployments. Transport failures and 5xx responses map to
// GATEWAY_UNAVAILABLE so the continuation queue retries them.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the gateway at baseURL, authenticating
// with the shared service token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/v1/dispatch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, models.NewCodedError(models.CodeGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out models.DispatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode dispatch response: %w", err)
		}
		return &out, nil
	case resp.StatusCode >= 500:
		return nil, models.NewCodedError(models.CodeGatewayUnavailable,
			fmt.Errorf("gateway returned HTTP %d", resp.StatusCode))
	default:
		return nil, errorFromBody(resp)
	}
}

func (c *HTTPClient) FetchResult(ctx context.Context, requestID string) (*models.RemoteResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/internal/v1/results/"+requestID, nil)
	if err != nil {
		return nil, fmt.Errorf("create result request: %w", err)
	}
	c.setAuthHeader(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, models.NewCodedError(models.CodeGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out models.RemoteResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode result response: %w", err)
		}
		return &out, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, models.NewCodedError(models.CodeResultNotReady, nil)
	case resp.StatusCode >= 500:
		return nil, models.NewCodedError(models.CodeGatewayUnavailable,
			fmt.Errorf("gateway returned HTTP %d", resp.StatusCode))
	default:
		return nil, errorFromBody(resp)
	}
}

func (c *HTTPClient) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// errorFromBody rebuilds a coded error from a gateway error response, so
// codes like NO_ELIGIBLE_EXECUTOR cross the HTTP boundary intact.
func errorFromBody(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return models.NewCodedError(payload.Error, fmt.Errorf("gateway returned HTTP %d", resp.StatusCode))
	}
	return fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, body)
}
