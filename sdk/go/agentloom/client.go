// Package agentloom provides a small HTTP client for the AgentLoom REST API.
package agentloom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentLoom REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RunSubmission represents the payload required to submit a new run.
type RunSubmission struct {
	// ID is optional; providing one makes the submission idempotent.
	ID     string            `json:"id,omitempty"`
	Target string            `json:"target"`
	Kind   string            `json:"kind,omitempty"`
	Vars   map[string]string `json:"vars,omitempty"`
}

// RunOutcome holds the result of a successfully completed run.
type RunOutcome struct {
	Output string            `json:"output"`
	Steps  int               `json:"steps"`
	Vars   map[string]string `json:"vars,omitempty"`
}

// Run contains the server-side view of a submitted run.
type Run struct {
	ID         string            `json:"id"`
	Target     string            `json:"target"`
	Kind       string            `json:"kind"`
	Vars       map[string]string `json:"vars,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *RunOutcome       `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// AgentSummary describes an agent definition loaded by the daemon.
type AgentSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Generator   string   `json:"generator,omitempty"`
	Using       []string `json:"using,omitempty"`
	ToolCount   int      `json:"tool_count"`
}

// ListRunsOptions narrows the result set of ListRuns.
type ListRunsOptions struct {
	Limit  int
	Offset int
	Status string
	Kind   string
	Target string
	Query  string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentloom api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentLoom API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitRun enqueues a new run and returns its initial state.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (*Run, error) {
	var out Run
	if err := c.post(ctx, "/api/v1/runs", submission, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var out Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns runs matching the given filters.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	endpoint := "/api/v1/runs" + encodeListQuery(opts)
	var out []Run
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns aggregate counts for runs matching the given filters.
func (c *Client) Stats(ctx context.Context, opts ListRunsOptions) (*RunStats, error) {
	endpoint := "/api/v1/runs/stats" + encodeListQuery(opts)
	var out RunStats
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents returns the agent definitions loaded by the daemon.
func (c *Client) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	var out []AgentSummary
	if err := c.get(ctx, "/api/v1/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForRun polls until the run reaches a terminal status or the context is
// cancelled.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if r.Status == "succeeded" || r.Status == "failed" {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func encodeListQuery(opts ListRunsOptions) string {
	values := url.Values{}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		values.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Status != "" {
		values.Set("status", opts.Status)
	}
	if opts.Kind != "" {
		values.Set("kind", opts.Kind)
	}
	if opts.Target != "" {
		values.Set("target", opts.Target)
	}
	if opts.Query != "" {
		values.Set("query", opts.Query)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
