// Package client calls the ledger RPC facade over HTTP. Workers use it to report task
// lifecycle events back to the service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wingman/internal/model"
	"wingman/pkg/logger"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrRejected is returned when the service answers success=false
var ErrRejected = errors.New("rpc call rejected by ledger")

// Client ledger RPC client with retries
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	once    *retryablehttp.Client
}

// singleAttempt methods are sent once: a lost response on a retried task_started would
// count the same start twice
var singleAttempt = map[string]bool{
	"task_started": true,
}

// Option configures a Client
type Option func(*Client)

// WithAPIKey sends the key as a bearer token
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithRetry overrides the retry policy
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

// New creates a client for the service at baseURL, e.g. http://head:3010
func New(baseURL string, opts ...Option) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 8
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 30 * time.Second
	httpClient.HTTPClient.Timeout = 30 * time.Second
	httpClient.Logger = zapLeveledLogger{}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.once = retryablehttp.NewClient()
	c.once.RetryMax = 0
	c.once.HTTPClient = httpClient.HTTPClient
	c.once.Logger = zapLeveledLogger{}
	return c
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	hc := c.http
	if singleAttempt[method] {
		hc = c.once
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s returned status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) callSuccess(ctx context.Context, method string, params interface{}) error {
	var resp model.RPCResponse
	if err := c.call(ctx, method, params, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %w", method, ErrRejected)
	}
	return nil
}

// GetVersion returns the service protocol version
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var resp model.VersionResponse
	if err := c.call(ctx, "get_version", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// RunCreated registers a run under its logical run dir
func (c *Client) RunCreated(ctx context.Context, runDir, name, configPath string, parameters json.RawMessage) error {
	return c.callSuccess(ctx, "run_created", model.RunCreatedRequest{
		RunID:      runDir,
		Name:       name,
		ConfigPath: configPath,
		Parameters: parameters,
	})
}

// TasksetCreated registers the tasks listed in definitionPath
func (c *Client) TasksetCreated(ctx context.Context, runDir, definitionPath string) error {
	return c.callSuccess(ctx, "taskset_created", model.TasksetCreatedRequest{
		RunDir:             runDir,
		TaskDefinitionPath: definitionPath,
	})
}

// TaskSubmitted implements backend.Reporter
func (c *Client) TaskSubmitted(ctx context.Context, taskDir, externalID string) error {
	return c.callSuccess(ctx, "task_submitted", model.TaskSubmittedRequest{TaskDir: taskDir, ExternalID: externalID})
}

// TaskStarted implements backend.Reporter
func (c *Client) TaskStarted(ctx context.Context, taskDir, nodeName string) error {
	return c.callSuccess(ctx, "task_started", model.TaskStartedRequest{TaskDir: taskDir, NodeName: nodeName})
}

// TaskFailed implements backend.Reporter
func (c *Client) TaskFailed(ctx context.Context, taskDir string) error {
	return c.callSuccess(ctx, "task_failed", model.TaskDirRequest{TaskDir: taskDir})
}

// TaskCompleted implements backend.Reporter
func (c *Client) TaskCompleted(ctx context.Context, taskDir string) error {
	return c.callSuccess(ctx, "task_completed", model.TaskDirRequest{TaskDir: taskDir})
}

// NodeDisappeared reports that a node is gone
func (c *Client) NodeDisappeared(ctx context.Context, nodeName string) error {
	return c.callSuccess(ctx, "node_disappeared", model.NodeDisappearedRequest{NodeName: nodeName})
}

// NodeHeartbeat tells the service that nodeName is alive and running tasks
func (c *Client) NodeHeartbeat(ctx context.Context, nodeName string, tasks []string) error {
	return c.callSuccess(ctx, "node_heartbeat", model.NodeHeartbeatRequest{NodeName: nodeName, Tasks: tasks})
}

// zapLeveledLogger routes retryablehttp logs through the service logger
type zapLeveledLogger struct{}

func (zapLeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Errorw(msg, keysAndValues...)
}

func (zapLeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Debugw(msg, keysAndValues...)
}

func (zapLeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Debugw(msg, keysAndValues...)
}

func (zapLeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Warnw(msg, keysAndValues...)
}
