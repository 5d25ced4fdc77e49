package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/amux/internal/client"
	"github.com/joescharf/amux/internal/models"
)

// ---------------------------------------------------------------------------
// Mock API
// ---------------------------------------------------------------------------

type mockAPI struct {
	workspaces []*models.Workspace
	instances  []*models.Instance
	terminals  map[string][]client.Terminal

	started   []string
	stopped   []string
	restarted []string
	lastAll   bool

	err error
}

func (m *mockAPI) ListWorkspaces(_ context.Context) ([]*models.Workspace, error) {
	return m.workspaces, m.err
}

func (m *mockAPI) ListInstances(_ context.Context, ws string, all bool) ([]*models.Instance, error) {
	m.lastAll = all
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Instance
	for _, inst := range m.instances {
		if inst.WorkspaceID == ws && (all || inst.Status.Active()) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *mockAPI) ListLiveInstances(_ context.Context) ([]*models.Instance, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Instance
	for _, inst := range m.instances {
		if inst.Status.Active() {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *mockAPI) StartInstance(_ context.Context, ws string) (*models.Instance, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.started = append(m.started, ws)
	return &models.Instance{ID: "i-new", WorkspaceID: ws, Status: models.InstanceStatusRunning}, nil
}

func (m *mockAPI) StopInstance(_ context.Context, id string) (*models.Instance, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.stopped = append(m.stopped, id)
	return &models.Instance{ID: id, Status: models.InstanceStatusStopped}, nil
}

func (m *mockAPI) RestartInstance(_ context.Context, id string) (*models.Instance, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.restarted = append(m.restarted, id)
	return &models.Instance{ID: id, Status: models.InstanceStatusRunning}, nil
}

func (m *mockAPI) ListTerminals(_ context.Context, id string) ([]client.Terminal, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.terminals[id], nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *mockAPI) {
	t.Helper()
	api := &mockAPI{
		workspaces: []*models.Workspace{
			{ID: "ws1", Name: "alpha", Path: "/tmp/alpha"},
			{ID: "ws2", Name: "beta", Path: "/tmp/beta"},
		},
		instances: []*models.Instance{
			{ID: "i1", WorkspaceID: "ws1", Status: models.InstanceStatusRunning},
			{ID: "i0", WorkspaceID: "ws1", Status: models.InstanceStatusStopped},
			{ID: "i2", WorkspaceID: "ws2", Status: models.InstanceStatusError, ErrorMessage: "spawn failed"},
		},
		terminals: map[string][]client.Terminal{
			"i1": {{ID: "t1", Kind: models.TerminalKindInstance, CreatedAt: time.Now()}},
		},
	}
	return NewServer(api, "test"), api
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv, "MCPServer() should return non-nil")
}

func TestHandleListWorkspaces(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleListWorkspaces(context.Background(), callToolReq("amux_list_workspaces", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []map[string]string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "alpha", out[0]["name"])
	assert.Equal(t, "/tmp/beta", out[1]["path"])
}

func TestHandleListWorkspaces_Error(t *testing.T) {
	srv, api := newTestServer(t)
	api.err = errors.New("connection refused")

	result, err := srv.handleListWorkspaces(context.Background(), callToolReq("amux_list_workspaces", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "connection refused")
}

func TestHandleListInstances(t *testing.T) {
	srv, api := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		args    map[string]any
		wantIDs []string
	}{
		{"all live", nil, []string{"i1"}},
		{"workspace live", map[string]any{"workspace": "ws1"}, []string{"i1"}},
		{"workspace history", map[string]any{"workspace": "ws1", "all": true}, []string{"i1", "i0"}},
		{"no live", map[string]any{"workspace": "ws2"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.handleListInstances(ctx, callToolReq("amux_list_instances", tt.args))
			require.NoError(t, err)
			require.False(t, result.IsError, resultText(t, result))

			var out []models.Instance
			require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
			ids := []string{}
			for _, inst := range out {
				ids = append(ids, inst.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
	assert.False(t, api.lastAll)
}

func TestHandleListInstances_AllNeedsWorkspace(t *testing.T) {
	srv, _ := newTestServer(t)
	result, err := srv.handleListInstances(context.Background(), callToolReq("amux_list_instances", map[string]any{"all": true}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleStartInstance(t *testing.T) {
	srv, api := newTestServer(t)

	result, err := srv.handleStartInstance(context.Background(), callToolReq("amux_start_instance", map[string]any{"workspace": "alpha"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, []string{"alpha"}, api.started)
	assert.Contains(t, resultText(t, result), `"status":"running"`)
}

func TestHandleStartInstance_MissingWorkspace(t *testing.T) {
	srv, api := newTestServer(t)

	result, err := srv.handleStartInstance(context.Background(), callToolReq("amux_start_instance", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "workspace is required")
	assert.Empty(t, api.started)
}

func TestHandleStartInstance_Conflict(t *testing.T) {
	srv, api := newTestServer(t)
	api.err = &client.APIError{StatusCode: 409, Message: "instance already active"}

	result, err := srv.handleStartInstance(context.Background(), callToolReq("amux_start_instance", map[string]any{"workspace": "alpha"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already active")
}

func TestHandleStopAndRestart(t *testing.T) {
	srv, api := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStopInstance(ctx, callToolReq("amux_stop_instance", map[string]any{"id": "i1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"status":"stopped"`)

	result, err = srv.handleRestartInstance(ctx, callToolReq("amux_restart_instance", map[string]any{"id": "i1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, []string{"i1"}, api.stopped)
	assert.Equal(t, []string{"i1"}, api.restarted)

	result, err = srv.handleStopInstance(ctx, callToolReq("amux_stop_instance", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListTerminals(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleListTerminals(ctx, callToolReq("amux_list_terminals", map[string]any{"id": "i1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var out []client.Terminal
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	require.Len(t, out, 1)
	assert.Equal(t, models.TerminalKindInstance, out[0].Kind)

	result, err = srv.handleListTerminals(ctx, callToolReq("amux_list_terminals", map[string]any{"id": "i2"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}
