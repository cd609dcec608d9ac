// Package engine talks to the execution engine: HTTP commands through a
// fiber client and lifecycle events over a WebSocket.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/batch"
	"github.com/lucasnoah/flowwatch/internal/tracker"
)

// Config holds the connection settings for the engine.
type Config struct {
	// URL is the engine's base URL, e.g. "http://localhost:7400".
	URL string
	// RequestTimeout bounds each HTTP command.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// DefaultConfig returns a configuration for a local engine.
func DefaultConfig() Config {
	return Config{
		URL:            "http://localhost:7400",
		RequestTimeout: 30 * time.Second,
	}
}

// APIError is a non-2xx response from the engine.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("engine returned status %d: %s", e.StatusCode, e.Message)
}

type errorResponse struct {
	Error string `json:"error"`
}

type startResponse struct {
	ExecutionID string `json:"executionId"`
}

type runningResponse struct {
	Executions map[string]tracker.RunningExecution `json:"executions"`
}

type outputResponse struct {
	Lines []tracker.BufferedLine `json:"lines"`
}

type batchRequest struct {
	Script      string   `json:"script"`
	Targets     []string `json:"targets"`
	Parallel    bool     `json:"parallel"`
	StopOnError bool     `json:"stopOnError"`
}

// Client implements the engine command interface over HTTP.
type Client struct {
	cfg   Config
	agent *fiber.Client
	log   *zap.Logger
}

var (
	_ tracker.Backend = (*Client)(nil)
	_ batch.Backend   = (*Client)(nil)
)

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{cfg: cfg, agent: fiber.AcquireClient(), log: cfg.Logger}
}

// Close releases the underlying HTTP client.
func (c *Client) Close() {
	fiber.ReleaseClient(c.agent)
}

// Start asks the engine to run a pipeline and returns the provisional
// execution id.
func (c *Client) Start(ctx context.Context, pipelineID string) (string, error) {
	var resp startResponse
	if err := c.do(ctx, fiber.MethodPost, "/api/pipelines/"+url.PathEscape(pipelineID)+"/start", nil, &resp); err != nil {
		return "", err
	}
	if resp.ExecutionID == "" {
		return "", fmt.Errorf("start response missing execution id")
	}
	return resp.ExecutionID, nil
}

// Cancel asks the engine to cancel an execution.
func (c *Client) Cancel(ctx context.Context, executionID string) error {
	return c.do(ctx, fiber.MethodPost, "/api/executions/"+url.PathEscape(executionID)+"/cancel", nil, nil)
}

// Continue resumes a paused execution.
func (c *Client) Continue(ctx context.Context, executionID string) error {
	return c.do(ctx, fiber.MethodPost, "/api/executions/"+url.PathEscape(executionID)+"/continue", nil, nil)
}

// ListRunning returns the engine's snapshot of executions in flight, keyed
// by execution id.
func (c *Client) ListRunning(ctx context.Context) (map[string]tracker.RunningExecution, error) {
	var resp runningResponse
	if err := c.do(ctx, fiber.MethodGet, "/api/executions/running", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Executions == nil {
		resp.Executions = map[string]tracker.RunningExecution{}
	}
	return resp.Executions, nil
}

// Reattach asks the engine to resume delivering events for executions that
// survived an observer restart.
func (c *Client) Reattach(ctx context.Context) error {
	return c.do(ctx, fiber.MethodPost, "/api/executions/reattach", nil, nil)
}

// GetBufferedOutput returns the output the engine retained for a pipeline.
func (c *Client) GetBufferedOutput(ctx context.Context, pipelineID string) ([]tracker.BufferedLine, error) {
	var resp outputResponse
	if err := c.do(ctx, fiber.MethodGet, "/api/pipelines/"+url.PathEscape(pipelineID)+"/output", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// RunBatch starts a fan-out script run.
func (c *Client) RunBatch(ctx context.Context, script string, targets []string, opts batch.Options) (string, error) {
	req := batchRequest{
		Script:      script,
		Targets:     targets,
		Parallel:    opts.Parallel,
		StopOnError: opts.StopOnError,
	}
	var resp startResponse
	if err := c.do(ctx, fiber.MethodPost, "/api/batches", req, &resp); err != nil {
		return "", err
	}
	if resp.ExecutionID == "" {
		return "", fmt.Errorf("batch response missing execution id")
	}
	return resp.ExecutionID, nil
}

type result struct {
	status int
	body   []byte
	errs   []error
}

// do sends one request. The agent has no context support, so the request
// runs in its own goroutine with a timeout no later than ctx's deadline.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := c.cfg.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	full := c.cfg.URL + path
	var agent *fiber.Agent
	switch method {
	case fiber.MethodGet:
		agent = c.agent.Get(full)
	default:
		agent = c.agent.Post(full)
	}
	agent.Timeout(timeout)
	if payload != nil {
		agent.Body(payload)
		agent.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	ch := make(chan result, 1)
	go func() {
		status, respBody, errs := agent.Bytes()
		ch <- result{status: status, body: respBody, errs: errs}
	}()

	var res result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-ch:
	}

	if len(res.errs) > 0 {
		c.log.Debug("engine request failed", zap.String("method", method), zap.String("path", path), zap.Error(res.errs[0]))
		return fmt.Errorf("%s %s: %w", method, path, res.errs[0])
	}
	if res.status < 200 || res.status > 299 {
		apiErr := &APIError{StatusCode: res.status}
		var er errorResponse
		if err := json.Unmarshal(res.body, &er); err == nil {
			apiErr.Message = er.Error
		}
		return fmt.Errorf("%s %s: %w", method, path, apiErr)
	}
	if out == nil || len(res.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
