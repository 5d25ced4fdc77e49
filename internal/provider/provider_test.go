package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Known(t *testing.T) {
	for _, name := range []string{"claude", "codex", "shell"} {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, Options{})
			require.NoError(t, err)
			assert.Equal(t, name, p.Name())
		})
	}
}

func TestNew_Unknown(t *testing.T) {
	_, err := New("gemini", Options{})
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestNew_CommandRequiresExecutable(t *testing.T) {
	t.Setenv(EnvVar("command"), "")
	_, err := New("command", Options{})
	assert.Error(t, err)
}

func TestResolveExec_Precedence(t *testing.T) {
	t.Setenv("AMUX_CLAUDE_EXECUTABLE", "")
	p, err := New("claude", Options{Executable: "/opt/claude"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/claude"}, p.SpawnSpec("/tmp").Argv)

	t.Setenv("AMUX_CLAUDE_EXECUTABLE", "/env/claude")
	p, err = New("claude", Options{Executable: "/opt/claude"})
	require.NoError(t, err)
	assert.Equal(t, "/env/claude", p.SpawnSpec("/tmp").Argv[0])
}

func TestSpawnSpec(t *testing.T) {
	p, err := New("command", Options{Executable: "/bin/sh", Args: []string{"-c", "echo hi"}, Env: []string{"FOO=bar"}})
	require.NoError(t, err)

	spec := p.SpawnSpec("/work")
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, spec.Argv)
	assert.Equal(t, "/work", spec.Dir)
	assert.Equal(t, []string{"FOO=bar"}, spec.Env)
}

func TestShell_DefaultsToLoginShell(t *testing.T) {
	t.Setenv("SHELL", "/bin/zsh")
	t.Setenv(EnvVar("shell"), "")
	p, err := New("shell", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/zsh", "-l"}, p.SpawnSpec("").Argv)
}

func TestCheckAvailability(t *testing.T) {
	p, err := New("command", Options{Executable: "sh"})
	require.NoError(t, err)
	assert.NoError(t, p.CheckAvailability(context.Background()))

	p, err = New("command", Options{Executable: "amux-definitely-not-installed"})
	require.NoError(t, err)
	assert.ErrorIs(t, p.CheckAvailability(context.Background()), ErrUnavailable)
}

func TestExecuteCommand(t *testing.T) {
	dir := t.TempDir()
	p, err := New("command", Options{Executable: "/bin/sh"})
	require.NoError(t, err)

	out, err := p.ExecuteCommand(context.Background(), dir, "-c", "pwd")
	require.NoError(t, err)
	assert.Contains(t, string(out), dir)

	_, err = p.ExecuteCommand(context.Background(), dir, "-c", "exit 4")
	assert.Error(t, err)
}

func TestClaude_ParseUsageOutput(t *testing.T) {
	p, err := New("claude", Options{})
	require.NoError(t, err)
	up, ok := p.(UsageParser)
	require.True(t, ok)

	u, err := up.ParseUsageOutput("Total cost: $0.42\nUsage: 1,200 input, 300 output\n")
	require.NoError(t, err)
	assert.InDelta(t, 0.42, u.CostUSD, 1e-9)
	assert.Equal(t, int64(1200), u.InputTokens)
	assert.Equal(t, int64(300), u.OutputTokens)

	_, err = up.ParseUsageOutput("nothing here")
	assert.Error(t, err)
}

func TestCodex_ParseUsageOutput(t *testing.T) {
	p, err := New("codex", Options{})
	require.NoError(t, err)
	up := p.(UsageParser)

	u, err := up.ParseUsageOutput("Token usage: total=1500 input=1200 output=300")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), u.InputTokens)
	assert.Equal(t, int64(300), u.OutputTokens)
}

func TestBannerPatterns(t *testing.T) {
	p, err := New("claude", Options{})
	require.NoError(t, err)
	bm, ok := p.(BannerMatcher)
	require.True(t, ok)

	matched := false
	for _, re := range bm.ReadyPatterns() {
		if re.MatchString("✻ Welcome to Claude Code!") {
			matched = true
		}
	}
	assert.True(t, matched)
}
