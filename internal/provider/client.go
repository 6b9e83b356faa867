// ============================================================================
// Beaver-Audit Provider Client - Submit/Poll HTTP Transport
// ============================================================================
//
// Package: internal/provider
// File: client.go
// Function: Speaks the provider's task_post / task_get protocol
//
// Wire shape:
//   POST {base}/v3/{path}/task_post      body: [ {params} ]
//   GET  {base}/v3/{path}/task_get/{id}
//
//   envelope: {status_code, status_message, tasks: [{id, status_code, status_message, result}]}
//
// Submit:
//   - transport failure / 5xx / 429       → plain error (caller treats as stall)
//   - other 4xx, envelope != 20000,
//     task status not 20000/20100         → wrapped jobclient.ErrSubmitRejected
//
// Poll:
//   - transport failure / non-2xx         → plain error
//   - envelope status != 20000            → RawStatus of the envelope
//   - otherwise                           → RawStatus of tasks[0]
//
// ============================================================================

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// ErrUnknownFamily no endpoint path is configured for the family.
var ErrUnknownFamily = errors.New("no endpoint configured for job family")

// DefaultPaths provider endpoint prefixes per family.
var DefaultPaths = map[types.JobFamily]string{
	types.FamilyReviews:   "business_data/google/reviews",
	types.FamilyRankCheck: "serp/google/maps",
	types.FamilyScrape:    "on_page/content_parsing",
}

// Transport is the family-agnostic half of the protocol.
type Transport interface {
	Submit(ctx context.Context, family types.JobFamily, params map[string]any) (types.RemoteJobHandle, error)
	Poll(ctx context.Context, handle types.RemoteJobHandle) (jobclient.RawStatus, error)
}

// Config HTTP client settings.
type Config struct {
	BaseURL        string
	Login          string
	Password       string
	RequestTimeout time.Duration
	Paths          map[types.JobFamily]string
}

// Client implements Transport over HTTP with basic auth.
type Client struct {
	baseURL  string
	login    string
	password string
	paths    map[types.JobFamily]string
	http     *http.Client
}

type envelope struct {
	StatusCode    int          `json:"status_code"`
	StatusMessage string       `json:"status_message"`
	Tasks         []taskRecord `json:"tasks"`
}

type taskRecord struct {
	ID            string          `json:"id"`
	StatusCode    int             `json:"status_code"`
	StatusMessage string          `json:"status_message"`
	Result        json.RawMessage `json:"result"`
}

// NewClient creates a provider client.
func NewClient(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	paths := make(map[types.JobFamily]string, len(DefaultPaths))
	for f, p := range DefaultPaths {
		paths[f] = p
	}
	for f, p := range cfg.Paths {
		paths[f] = p
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		login:    cfg.Login,
		password: cfg.Password,
		paths:    paths,
		http:     &http.Client{Timeout: timeout},
	}
}

// Submit posts one task and returns its handle.
func (c *Client) Submit(ctx context.Context, family types.JobFamily, params map[string]any) (types.RemoteJobHandle, error) {
	path, ok := c.paths[family]
	if !ok {
		return types.RemoteJobHandle{}, fmt.Errorf("%w: %w: %s", jobclient.ErrSubmitRejected, ErrUnknownFamily, family)
	}

	body, err := json.Marshal([]map[string]any{params})
	if err != nil {
		return types.RemoteJobHandle{}, fmt.Errorf("%w: failed to encode params: %v", jobclient.ErrSubmitRejected, err)
	}

	env, code, err := c.do(ctx, http.MethodPost, path+"/task_post", body)
	if err != nil {
		return types.RemoteJobHandle{}, err
	}
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		return types.RemoteJobHandle{}, fmt.Errorf("%w: http %d", jobclient.ErrSubmitRejected, code)
	}
	if code >= 300 {
		return types.RemoteJobHandle{}, fmt.Errorf("submit %s: http %d", family, code)
	}
	if env.StatusCode != jobclient.StatusOK {
		return types.RemoteJobHandle{}, fmt.Errorf("%w: %d %s", jobclient.ErrSubmitRejected, env.StatusCode, env.StatusMessage)
	}
	if len(env.Tasks) == 0 {
		return types.RemoteJobHandle{}, fmt.Errorf("%w: empty task list", jobclient.ErrSubmitRejected)
	}

	task := env.Tasks[0]
	if task.StatusCode != jobclient.StatusCreated && task.StatusCode != jobclient.StatusOK {
		return types.RemoteJobHandle{}, fmt.Errorf("%w: task %d %s", jobclient.ErrSubmitRejected, task.StatusCode, task.StatusMessage)
	}
	if task.ID == "" {
		return types.RemoteJobHandle{}, fmt.Errorf("%w: missing task id", jobclient.ErrSubmitRejected)
	}

	return types.RemoteJobHandle{TaskID: task.ID, Family: family}, nil
}

// Poll fetches the current status of handle.
func (c *Client) Poll(ctx context.Context, handle types.RemoteJobHandle) (jobclient.RawStatus, error) {
	path, ok := c.paths[handle.Family]
	if !ok {
		return jobclient.RawStatus{}, fmt.Errorf("%w: %s", ErrUnknownFamily, handle.Family)
	}

	env, code, err := c.do(ctx, http.MethodGet, path+"/task_get/"+url.PathEscape(handle.TaskID), nil)
	if err != nil {
		return jobclient.RawStatus{}, err
	}
	if code == http.StatusNotFound {
		return jobclient.RawStatus{Code: jobclient.StatusTaskNotFound, Message: "Task Not Found."}, nil
	}
	if code >= 300 {
		return jobclient.RawStatus{}, fmt.Errorf("poll %s: http %d", handle.TaskID, code)
	}
	if env.StatusCode != jobclient.StatusOK || len(env.Tasks) == 0 {
		return jobclient.RawStatus{Code: env.StatusCode, Message: env.StatusMessage}, nil
	}

	task := env.Tasks[0]
	return jobclient.RawStatus{Code: task.StatusCode, Message: task.StatusMessage, Result: task.Result}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (envelope, int, error) {
	var env envelope

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v3/"+path, reader)
	if err != nil {
		return env, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.login, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return env, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return env, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return env, resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return env, resp.StatusCode, nil
}
