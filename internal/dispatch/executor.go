package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultExecuteTimeout bounds a single call to the execution API.
const DefaultExecuteTimeout = 30 * time.Second

const userAgent = "adrelay/1.0"

// ExecutorConfig configures the execution API client.
type ExecutorConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ExecutorClient talks to the remote command-execution API.
type ExecutorClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// ExecutorResponse is the raw outcome of an execute call.
type ExecutorResponse struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the API accepted the command (200 or 202).
func (r ExecutorResponse) OK() bool {
	return r.StatusCode == http.StatusOK || r.StatusCode == http.StatusAccepted
}

// CommandID extracts the tracking id from a JSON body, if any.
func (r ExecutorResponse) CommandID() string {
	var body struct {
		CommandID string `json:"commandId"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	if body.CommandID != "" {
		return body.CommandID
	}
	return body.ID
}

// NewExecutorClient creates a client. Timeout defaults to 30s.
func NewExecutorClient(cfg ExecutorConfig) *ExecutorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = newHTTPClient(timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutorClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  hc,
		logger:  logger,
	}
}

// newHTTPClient returns a pooled client whose overall timeout bounds each call.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Execute posts a payload to /api/v1/commands/execute. Non-2xx statuses are
// returned in the response, not as errors; err is transport failure only.
func (c *ExecutorClient) Execute(ctx context.Context, payload Payload) (ExecutorResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ExecutorResponse{}, fmt.Errorf("marshal payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/commands/execute", data)
}

// Health calls /api/v1/health.
func (c *ExecutorClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("execution API health: HTTP %d", resp.StatusCode)
	}
	return nil
}

// CommandStatus is the state of a previously submitted command.
type CommandStatus struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"-"`
}

// CommandStatus fetches /api/v1/commands/{id}/status.
func (c *ExecutorClient) CommandStatus(ctx context.Context, id string) (CommandStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/commands/"+url.PathEscape(id)+"/status", nil)
	if err != nil {
		return CommandStatus{}, err
	}
	if !resp.OK() {
		return CommandStatus{}, fmt.Errorf("command status: HTTP %d - %s", resp.StatusCode, snippet(resp.Body))
	}
	var details map[string]any
	if err := json.Unmarshal(resp.Body, &details); err != nil {
		return CommandStatus{}, fmt.Errorf("decode command status: %w", err)
	}
	status, _ := details["status"].(string)
	return CommandStatus{Status: status, Details: details}, nil
}

// AvailableCommands lists the commands the API advertises.
func (c *ExecutorClient) AvailableCommands(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/commands/available", nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("available commands: HTTP %d - %s", resp.StatusCode, snippet(resp.Body))
	}
	var body struct {
		Commands []string `json:"commands"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode available commands: %w", err)
	}
	return body.Commands, nil
}

func (c *ExecutorClient) do(ctx context.Context, method, path string, body []byte) (ExecutorResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return ExecutorResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return ExecutorResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ExecutorResponse{}, fmt.Errorf("read response: %w", err)
	}
	return ExecutorResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// snippet trims a response body for error messages.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
