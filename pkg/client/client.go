package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atelier-run/atelier/pkg/api"
)

// Client talks to the Atelier control plane
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given server address
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server
type APIError struct {
	Status     int
	Message    string  `json:"error"`
	Code       string  `json:"code"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Execute sends a control-plane command
func (c *Client) Execute(req api.ExecuteRequest) (*api.ExecuteResponse, error) {
	var resp api.ExecuteResponse
	if err := c.do(http.MethodPost, "/v1/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit creates a run for the prompt
func (c *Client) Submit(orgID, prompt string) (*api.ExecuteResponse, error) {
	return c.Execute(api.ExecuteRequest{Action: "create", OrgID: orgID, Prompt: prompt})
}

// Cancel stops a run
func (c *Client) Cancel(runID string) (*api.ExecuteResponse, error) {
	return c.Execute(api.ExecuteRequest{Action: "stop", RunID: runID})
}

// Retry re-queues a failed run
func (c *Client) Retry(runID string) (*api.ExecuteResponse, error) {
	return c.Execute(api.ExecuteRequest{Action: "retry", RunID: runID})
}

// GetRun fetches one run
func (c *Client) GetRun(runID string) (*api.RunView, error) {
	var view api.RunView
	if err := c.do(http.MethodGet, "/v1/runs/"+runID, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListRuns fetches all runs
func (c *Client) ListRuns() ([]api.RunView, error) {
	var views []api.RunView
	if err := c.do(http.MethodGet, "/v1/runs", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// Health fetches the aggregated health report as raw JSON
func (c *Client) Health() (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(http.MethodGet, "/health", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
