// Package client talks to a running manager over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mcmanager/manager/internal/docker"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/lifecycle"
)

// APIError is a non-success answer from the manager.
type APIError struct {
	Method string
	Path   string
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Status, e.Msg)
}

// Client is an API client for one manager.
type Client struct {
	baseURL string
	apiKey  string

	http   *http.Client
	logger *slog.Logger
}

// New creates a client for the manager at baseURL.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil // suppress default logging
	retryClient.CheckRetry = retryPolicy

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    retryClient.StandardClient(),
		logger:  logger,
	}
}

// retryPolicy retries transport failures and gateway errors only. Creating
// a server is not idempotent, so a 500 is never replayed.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode != http.StatusBadGateway && resp.StatusCode != http.StatusGatewayTimeout {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type envelope struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// Ping verifies the manager is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

// Created is the answer to CreateServer.
type Created struct {
	Server domain.Instance `json:"server"`
	JobID  string          `json:"jobId"`
}

func (c *Client) CreateServer(ctx context.Context, req lifecycle.CreateRequest) (Created, error) {
	var out Created
	err := c.do(ctx, http.MethodPost, "/servers", req, &out)
	return out, err
}

func (c *Client) ListServers(ctx context.Context) ([]domain.Instance, error) {
	var out []domain.Instance
	err := c.do(ctx, http.MethodGet, "/servers", nil, &out)
	return out, err
}

func (c *Client) GetServer(ctx context.Context, id int64) (lifecycle.ServerView, error) {
	var out lifecycle.ServerView
	err := c.do(ctx, http.MethodGet, serverPath(id, ""), nil, &out)
	return out, err
}

func (c *Client) UpdateServer(ctx context.Context, id int64, req lifecycle.UpdateRequest) (domain.Instance, error) {
	var out domain.Instance
	err := c.do(ctx, http.MethodPut, serverPath(id, ""), req, &out)
	return out, err
}

func (c *Client) DeleteServer(ctx context.Context, id int64, force bool) error {
	path := serverPath(id, "")
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

// StartServer enqueues a start and returns its job id.
func (c *Client) StartServer(ctx context.Context, id int64) (string, error) {
	var out jobResponse
	err := c.do(ctx, http.MethodPost, serverPath(id, "start"), nil, &out)
	return out.JobID, err
}

// RestartServer stops the server and enqueues a start.
func (c *Client) RestartServer(ctx context.Context, id int64) (string, error) {
	var out jobResponse
	err := c.do(ctx, http.MethodPost, serverPath(id, "restart"), nil, &out)
	return out.JobID, err
}

func (c *Client) StopServer(ctx context.Context, id int64) (domain.Instance, error) {
	var out domain.Instance
	err := c.do(ctx, http.MethodPost, serverPath(id, "stop"), nil, &out)
	return out, err
}

// Exec runs console commands. On partial failure the results are returned
// together with the error.
func (c *Client) Exec(ctx context.Context, id int64, commands []string) ([]docker.ExecResult, error) {
	var out []docker.ExecResult
	err := c.do(ctx, http.MethodPost, serverPath(id, "commands"), map[string][]string{"commands": commands}, &out)
	return out, err
}

type outputResponse struct {
	Output string `json:"output"`
}

func (c *Client) Operator(ctx context.Context, id int64, player string, revoke bool) (string, error) {
	var out outputResponse
	body := map[string]any{"player": player, "revoke": revoke}
	err := c.do(ctx, http.MethodPost, serverPath(id, "operators"), body, &out)
	return out.Output, err
}

func (c *Client) ListOperators(ctx context.Context, id int64) ([]domain.Operator, error) {
	var out []domain.Operator
	err := c.do(ctx, http.MethodGet, serverPath(id, "operators"), nil, &out)
	return out, err
}

func (c *Client) RemoveOperator(ctx context.Context, id int64, player string) (string, error) {
	var out outputResponse
	err := c.do(ctx, http.MethodDelete, serverPath(id, "operators")+"/"+url.PathEscape(player), nil, &out)
	return out.Output, err
}

func (c *Client) SaveWorld(ctx context.Context, id int64) (string, error) {
	var out outputResponse
	err := c.do(ctx, http.MethodPost, serverPath(id, "save"), nil, &out)
	return out.Output, err
}

func (c *Client) Logs(ctx context.Context, id int64, tail int) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, serverPath(id, "logs")+"?tail="+strconv.Itoa(tail), nil, &out)
	return out.Logs, err
}

func (c *Client) TaskStatus(ctx context.Context, jobID string) (lifecycle.TaskInfo, error) {
	var out lifecycle.TaskInfo
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

func serverPath(id int64, action string) string {
	p := "/servers/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

// --- internal ---

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var bodyReader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Msg: strings.TrimSpace(string(respBody))}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("unmarshal %s response: %w", path, err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Ok {
		c.logger.Debug("API error", "method", method, "path", path, "status", resp.StatusCode, "error", env.Error)
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Msg: env.Error}
	}
	return nil
}
