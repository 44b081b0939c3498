package upstream

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

// Client is a JSON-over-HTTP client for a collaborator service.
// Requests carry the API key as a bearer token.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. The per-request
// deadline comes from the caller's context; timeout is a hard upper bound.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// doRequest executes a request against the service and decodes the JSON
// response into out when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, strings.TrimLeft(endpoint, "/"))
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// HTTPSecurityChecker calls POST {base}/v1/security/check.
type HTTPSecurityChecker struct{ *Client }

func (c HTTPSecurityChecker) Check(ctx context.Context, req SecurityRequest) (SecurityResult, error) {
	var res SecurityResult
	err := c.doRequest(ctx, http.MethodPost, "v1/security/check", req, &res)
	return res, err
}

// HTTPModerator calls POST {base}/v1/moderation/text.
type HTTPModerator struct{ *Client }

func (c HTTPModerator) Moderate(ctx context.Context, req ModerationRequest) (ModerationResult, error) {
	var res ModerationResult
	err := c.doRequest(ctx, http.MethodPost, "v1/moderation/text", req, &res)
	if err == nil && res.Action == "" {
		return res, fmt.Errorf("moderation response missing action")
	}
	return res, err
}

// HTTPNotifier calls POST {base}/v1/push.
type HTTPNotifier struct{ *Client }

func (c HTTPNotifier) Notify(ctx context.Context, req PushRequest) (PushResult, error) {
	var res PushResult
	err := c.doRequest(ctx, http.MethodPost, "v1/push", req, &res)
	return res, err
}
