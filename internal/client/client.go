// Package client is a typed HTTP client for the amux server API.
package client

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

	"github.com/joescharf/amux/internal/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrBadRequest = errors.New("bad request")
)

// APIError is a non-2xx response. It matches ErrNotFound, ErrConflict and
// ErrBadRequest with errors.Is according to its status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// Client talks to a running `amux serve`.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for baseURL, e.g. http://localhost:7070. Instance
// starts wait for readiness, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// NewWithHTTPClient is New with a caller-supplied http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

// BaseURL returns the server URL the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Status is the server summary.
type Status struct {
	Instances int `json:"instances"`
	Terminals int `json:"terminals"`
}

// Terminal is one entry of an instance's terminal list.
type Terminal struct {
	ID          string              `json:"id"`
	CreatedAt   time.Time           `json:"createdAt"`
	Kind        models.TerminalKind `json:"kind"`
	Connections int                 `json:"connections"`
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &out, nil
}

// --- Workspaces ---

func (c *Client) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	var out []*models.Workspace
	if err := c.do(ctx, http.MethodGet, "/api/v1/workspaces", nil, &out); err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return out, nil
}

func (c *Client) CreateWorkspace(ctx context.Context, name, path string) (*models.Workspace, error) {
	var out models.Workspace
	body := map[string]string{"name": name, "path": path}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workspaces", body, &out); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &out, nil
}

// GetWorkspace accepts a workspace id or name.
func (c *Client) GetWorkspace(ctx context.Context, ref string) (*models.Workspace, error) {
	var out models.Workspace
	if err := c.do(ctx, http.MethodGet, "/api/v1/workspaces/"+url.PathEscape(ref), nil, &out); err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &out, nil
}

func (c *Client) DeleteWorkspace(ctx context.Context, ref string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/workspaces/"+url.PathEscape(ref), nil, nil); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

// --- Instances ---

// StartInstance starts (or restarts) the instance for a workspace id or name.
func (c *Client) StartInstance(ctx context.Context, workspaceRef string) (*models.Instance, error) {
	var out models.Instance
	if err := c.do(ctx, http.MethodPost, "/api/v1/workspaces/"+url.PathEscape(workspaceRef)+"/instances", nil, &out); err != nil {
		return nil, fmt.Errorf("start instance: %w", err)
	}
	return &out, nil
}

// ListInstances returns the live instances of a workspace, or its whole
// history when all is set.
func (c *Client) ListInstances(ctx context.Context, workspaceRef string, all bool) ([]*models.Instance, error) {
	path := "/api/v1/workspaces/" + url.PathEscape(workspaceRef) + "/instances"
	if all {
		path += "?all=true"
	}
	var out []*models.Instance
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// ListLiveInstances returns every live instance.
func (c *Client) ListLiveInstances(ctx context.Context) ([]*models.Instance, error) {
	var out []*models.Instance
	if err := c.do(ctx, http.MethodGet, "/api/v1/instances", nil, &out); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

func (c *Client) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	if err := c.do(ctx, http.MethodGet, "/api/v1/instances/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return &out, nil
}

func (c *Client) StopInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	if err := c.do(ctx, http.MethodDelete, "/api/v1/instances/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("stop instance: %w", err)
	}
	return &out, nil
}

func (c *Client) RestartInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	if err := c.do(ctx, http.MethodPost, "/api/v1/instances/"+url.PathEscape(id)+"/restart", nil, &out); err != nil {
		return nil, fmt.Errorf("restart instance: %w", err)
	}
	return &out, nil
}

// --- Terminals ---

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// CreateTerminal opens a terminal on a Running instance. With directory set
// the terminal is a fresh shell in the instance's workspace instead.
func (c *Client) CreateTerminal(ctx context.Context, instanceID string, directory bool) (string, error) {
	path := "/api/v1/instances/" + url.PathEscape(instanceID) + "/terminals"
	if directory {
		path = "/api/v1/instances/" + url.PathEscape(instanceID) + "/directory-terminals"
	}
	var out sessionResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", fmt.Errorf("create terminal: %w", err)
	}
	return out.SessionID, nil
}

func (c *Client) ListTerminals(ctx context.Context, instanceID string) ([]Terminal, error) {
	var out []Terminal
	if err := c.do(ctx, http.MethodGet, "/api/v1/instances/"+url.PathEscape(instanceID)+"/terminals", nil, &out); err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	return out, nil
}

func (c *Client) CloseTerminal(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/terminals/"+url.PathEscape(sessionID), nil, nil); err != nil {
		return fmt.Errorf("close terminal: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
