// Package httpagent is the production collaborators.AgentRunner and
// collaborators.Filesystem: a plain JSON-over-HTTP bridge to whatever
// external service actually runs an agent's work or owns its filesystem,
// grounded on the teacher's vectordb.Client (a minimal HTTP client wrapped
// in circuitbreaker.HTTPWrapper, base URL plus a handful of typed request
// structs). Neither collaborator is something this module owns the
// implementation of — the agent process and the filesystem it touches are
// both external, so the wire format here is this package's own, not a
// borrowed protocol.
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/coordinator/internal/circuitbreaker"
	"github.com/agentfleet/coordinator/internal/collaborators"
	"github.com/agentfleet/coordinator/internal/metrics"
	"github.com/agentfleet/coordinator/internal/tracing"
)

// Client bridges TASK_ASSIGN work and FILE_READ/FILE_WRITE messages to an
// external HTTP service.
type Client struct {
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// New constructs a Client. httpClient may be nil, in which case a 30s
// timeout default is used, matching the Hub's own file-bridge timeout.
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:   baseURL,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "agent-runner", "collaborator", logger),
		logger: logger,
	}
}

type runTaskRequest struct {
	TaskID      string   `json:"task_id"`
	AgentID     string   `json:"agent_id"`
	Description string   `json:"description"`
	Outputs     []string `json:"outputs"`
}

type runTaskResponse struct {
	ActualCost    float64  `json:"actual_cost"`
	FilesCreated  []string `json:"files_created"`
	FilesModified []string `json:"files_modified"`
}

// RunTask satisfies collaborators.AgentRunner by posting the task spec to
// /tasks and decoding the agent's report of what it did.
func (c *Client) RunTask(ctx context.Context, spec collaborators.TaskSpec) (collaborators.TaskResult, error) {
	ctx, span := tracing.StartSpan(ctx, "httpagent.run_task")
	defer span.End()

	body, err := json.Marshal(runTaskRequest{
		TaskID:      spec.TaskID,
		AgentID:     spec.AgentID,
		Description: spec.Description,
		Outputs:     spec.Outputs,
	})
	if err != nil {
		return collaborators.TaskResult{}, fmt.Errorf("httpagent: encode task: %w", err)
	}

	var out runTaskResponse
	if err := c.doJSON(ctx, http.MethodPost, "/tasks", body, &out); err != nil {
		span.RecordError(err)
		return collaborators.TaskResult{}, err
	}

	return collaborators.TaskResult{
		ActualCost:    out.ActualCost,
		FilesCreated:  out.FilesCreated,
		FilesModified: out.FilesModified,
	}, nil
}

// Read satisfies collaborators.Filesystem's FILE_READ bridge.
func (c *Client) Read(ctx context.Context, path string) (collaborators.FileResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "httpagent.file_read")
	defer span.End()

	var out struct {
		Content []byte `json:"content"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/files?path="+url.QueryEscape(path), nil, &out); err != nil {
		span.RecordError(err)
		return collaborators.FileResponse{}, err
	}
	return collaborators.FileResponse{Content: out.Content}, nil
}

// Write satisfies collaborators.Filesystem's FILE_WRITE bridge.
func (c *Client) Write(ctx context.Context, req collaborators.FileRequest) (collaborators.FileResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "httpagent.file_write")
	defer span.End()

	body, err := json.Marshal(struct {
		Path    string `json:"path"`
		Content []byte `json:"content"`
	}{Path: req.Path, Content: req.Content})
	if err != nil {
		return collaborators.FileResponse{}, fmt.Errorf("httpagent: encode write: %w", err)
	}

	var out struct {
		Content []byte `json:"content"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/files", body, &out); err != nil {
		span.RecordError(err)
		return collaborators.FileResponse{}, err
	}
	return collaborators.FileResponse{Content: out.Content}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("httpagent: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpw.Do(req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordHTTPCollaboratorRequest("agent-runner", method, status, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("httpagent: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("httpagent: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpagent: decode response: %w", err)
	}
	return nil
}

var (
	_ collaborators.AgentRunner = (*Client)(nil)
	_ collaborators.Filesystem  = (*Client)(nil)
)
