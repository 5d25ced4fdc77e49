package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/amux/internal/api"
	"github.com/joescharf/amux/internal/client"
	"github.com/joescharf/amux/internal/instance"
	"github.com/joescharf/amux/internal/models"
	"github.com/joescharf/amux/internal/process/processtest"
	"github.com/joescharf/amux/internal/provider"
	"github.com/joescharf/amux/internal/terminal"
	"github.com/joescharf/amux/internal/workspace"
)

// testServer runs the full API on an isolated store and points newClient at it.
func testServer(t *testing.T) (*bytes.Buffer, *processtest.Spawner) {
	t.Helper()
	testEnv(t)

	st, err := getStore()
	require.NoError(t, err)

	agent, err := provider.New("command", provider.Options{Executable: "agent"})
	require.NoError(t, err)
	shell, err := provider.New("shell", provider.Options{Executable: "/bin/sh"})
	require.NoError(t, err)

	cfg := instance.DefaultConfig()
	cfg.SpawnTimeout = 500 * time.Millisecond
	cfg.ReadyQuietPeriod = 10 * time.Millisecond
	cfg.StopGracePeriod = 50 * time.Millisecond

	agents := &processtest.Spawner{}
	sup := instance.NewSupervisor(st, workspace.NewResolver(st), agents, agent, cfg)
	reg := terminal.NewRegistry(terminal.DefaultConfig(), sup, nil)
	srv := api.NewServer(st, sup, reg, api.Shells{Spawner: &processtest.Spawner{}, Provider: shell}, nil)

	hs := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		hs.Close()
		reg.CloseAll()
		_ = sup.Shutdown(context.Background())
	})

	origClient := newClient
	newClient = func() *client.Client { return client.New(hs.URL) }
	t.Cleanup(func() { newClient = origClient })

	var buf bytes.Buffer
	ui.Out = &buf
	ui.ErrOut = &buf
	return &buf, agents
}

func testCmd(t *testing.T) *cobra.Command {
	t.Helper()
	c := &cobra.Command{}
	c.SetContext(context.Background())
	return c
}

func addTestWorkspace(t *testing.T, name string) *models.Workspace {
	t.Helper()
	workspaceName = name
	t.Cleanup(func() { workspaceName = "" })
	require.NoError(t, workspaceAddRun(testCmd(t), t.TempDir()))

	ws, err := newClient().GetWorkspace(context.Background(), name)
	require.NoError(t, err)
	return ws
}

func TestWorkspaceCommands(t *testing.T) {
	out, _ := testServer(t)
	cmd := testCmd(t)

	require.NoError(t, workspaceListRun(cmd))
	assert.Contains(t, out.String(), "No workspaces")

	ws := addTestWorkspace(t, "alpha")
	assert.Contains(t, out.String(), "Added workspace alpha")

	out.Reset()
	require.NoError(t, workspaceListRun(cmd))
	assert.Contains(t, out.String(), "alpha")
	assert.Contains(t, out.String(), ws.Path)

	require.NoError(t, workspaceRemoveRun(cmd, "alpha"))
	err := workspaceRemoveRun(cmd, "alpha")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestWorkspaceAdd_RejectsFile(t *testing.T) {
	testServer(t)

	err := workspaceAddRun(testCmd(t), "commands_test.go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestWorkspaceAdd_DryRun(t *testing.T) {
	out, _ := testServer(t)
	dryRun = true
	ui.DryRun = true
	t.Cleanup(func() { dryRun = false })

	require.NoError(t, workspaceAddRun(testCmd(t), t.TempDir()))
	assert.Contains(t, out.String(), "[DRY-RUN]")

	wss, err := newClient().ListWorkspaces(context.Background())
	require.NoError(t, err)
	assert.Empty(t, wss)
}

func TestInstanceCommands(t *testing.T) {
	out, agents := testServer(t)
	cmd := testCmd(t)
	addTestWorkspace(t, "beta")

	out.Reset()
	require.NoError(t, instanceStartRun(cmd, "beta"))
	assert.Contains(t, out.String(), "Started instance")
	assert.Equal(t, 1, agents.Count())

	live, err := newClient().ListLiveInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	id := live[0].ID

	out.Reset()
	require.NoError(t, instanceListRun(cmd, ""))
	assert.Contains(t, out.String(), id)

	out.Reset()
	require.NoError(t, instanceShowRun(cmd, id))
	assert.Contains(t, out.String(), "command")
	assert.Contains(t, out.String(), "pid")

	err = instanceStartRun(cmd, "beta")
	assert.ErrorIs(t, err, client.ErrConflict)

	out.Reset()
	require.NoError(t, instanceRestartRun(cmd, id))
	assert.Contains(t, out.String(), "Restarted instance "+id)

	require.NoError(t, instanceStopRun(cmd, id))

	out.Reset()
	require.NoError(t, instanceListRun(cmd, ""))
	assert.Contains(t, out.String(), "No instances")

	instanceListAll = true
	t.Cleanup(func() { instanceListAll = false })
	out.Reset()
	require.NoError(t, instanceListRun(cmd, "beta"))
	assert.Contains(t, out.String(), id)

	assert.Error(t, instanceListRun(cmd, ""), "--all without a workspace")
}

func TestTerminalCommands(t *testing.T) {
	out, _ := testServer(t)
	cmd := testCmd(t)
	addTestWorkspace(t, "gamma")
	require.NoError(t, instanceStartRun(cmd, "gamma"))

	live, err := newClient().ListLiveInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	id := live[0].ID

	out.Reset()
	require.NoError(t, terminalOpenRun(cmd, id))
	sessionID := strings.TrimSpace(out.String())
	require.NotEmpty(t, sessionID)

	out.Reset()
	require.NoError(t, terminalListRun(cmd, id))
	assert.Contains(t, out.String(), sessionID)
	assert.Contains(t, out.String(), string(models.TerminalKindInstance))

	require.NoError(t, terminalCloseRun(cmd, sessionID))
	assert.ErrorIs(t, terminalCloseRun(cmd, sessionID), client.ErrNotFound)

	out.Reset()
	require.NoError(t, terminalListRun(cmd, id))
	assert.Contains(t, out.String(), "No terminal sessions")
}

func TestServeStatusRun_Responding(t *testing.T) {
	out, _ := testServer(t)

	// A live pid file plus a reachable server reports counts.
	pf := pidFile()
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = pf.Remove() })

	require.NoError(t, serveStatusRun())
	assert.Contains(t, out.String(), "Server running")
	assert.Contains(t, out.String(), "instances")
}
