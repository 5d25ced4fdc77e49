package process

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readUntil drains sub until want appears, the channel closes, or the timeout hits.
func readUntil(t *testing.T, sub *Subscription, want string, timeout time.Duration) string {
	t.Helper()
	var sb strings.Builder
	sb.Write(sub.Backlog)
	deadline := time.After(timeout)
	for !strings.Contains(sb.String(), want) {
		select {
		case chunk, ok := <-sub.C:
			if !ok {
				return sb.String()
			}
			sb.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, sb.String())
		}
	}
	return sb.String()
}

func waitDone(t *testing.T, h Handle) ExitStatus {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	st, ok := h.ExitStatus()
	require.True(t, ok)
	return st
}

func spawners() map[string]Spawner {
	return map[string]Spawner{
		"pipe": PipeSpawner{},
		"pty":  PTYSpawner{},
	}
}

func TestSpawn_OutputAndExitCode(t *testing.T) {
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			h, err := sp.Spawn(context.Background(), Spec{Argv: []string{"/bin/sh", "-c", "echo hello; exit 3"}})
			require.NoError(t, err)

			st := waitDone(t, h)
			assert.Equal(t, 3, st.Code)
			assert.Empty(t, st.Signal)
			assert.Contains(t, string(h.Scrollback()), "hello")
		})
	}
}

func TestSpawn_WriteEchoesThroughCat(t *testing.T) {
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			h, err := sp.Spawn(context.Background(), Spec{Argv: []string{"cat"}})
			require.NoError(t, err)
			sub := h.Subscribe()
			defer sub.Cancel()

			_, err = h.Write([]byte("ping\n"))
			require.NoError(t, err)
			readUntil(t, sub, "ping", 5*time.Second)

			require.NoError(t, h.Terminate(2*time.Second))
			st := waitDone(t, h)
			assert.Equal(t, -1, st.Code)
			assert.NotEmpty(t, st.Signal)
		})
	}
}

func TestSpawn_EmptyCommand(t *testing.T) {
	_, err := PipeSpawner{}.Spawn(context.Background(), Spec{})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestSpawn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PipeSpawner{}.Spawn(ctx, Spec{Argv: []string{"true"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpawn_MissingExecutable(t *testing.T) {
	_, err := PipeSpawner{}.Spawn(context.Background(), Spec{Argv: []string{"/nonexistent/amux-test-binary"}})
	assert.Error(t, err)
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	h, err := PipeSpawner{}.Spawn(context.Background(), Spec{
		Argv: []string{"/bin/sh", "-c", `trap "" TERM; echo armed; sleep 30`},
	})
	require.NoError(t, err)
	sub := h.Subscribe()
	readUntil(t, sub, "armed", 5*time.Second)

	start := time.Now()
	require.NoError(t, h.Terminate(200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	st := waitDone(t, h)
	assert.Equal(t, "killed", st.Signal)
}

func requireSetsid(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
}

func TestDone_DescendantHoldsOutputOpen(t *testing.T) {
	requireSetsid(t)
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			h, err := sp.Spawn(context.Background(), Spec{
				Argv: []string{"/bin/sh", "-c", "setsid sleep 5 & echo started; sleep 0.2; exit 4"},
			})
			require.NoError(t, err)

			select {
			case <-h.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("Done not closed after the process exited")
			}
			st, ok := h.ExitStatus()
			require.True(t, ok)
			assert.Equal(t, 4, st.Code)
			assert.Contains(t, string(h.Scrollback()), "started")
		})
	}
}

func TestKill_DescendantHoldsOutputOpen(t *testing.T) {
	requireSetsid(t)
	for name, sp := range spawners() {
		t.Run(name, func(t *testing.T) {
			h, err := sp.Spawn(context.Background(), Spec{
				Argv: []string{"/bin/sh", "-c", "setsid sleep 5 & echo armed; sleep 30"},
			})
			require.NoError(t, err)
			readUntil(t, h.Subscribe(), "armed", 5*time.Second)

			killed := make(chan error, 1)
			go func() { killed <- h.Kill() }()
			select {
			case err := <-killed:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("Kill blocked after the process died")
			}
			st, ok := h.ExitStatus()
			require.True(t, ok)
			assert.Equal(t, "killed", st.Signal)
		})
	}
}

func TestSubscribe_DoneClosedBeforeChannel(t *testing.T) {
	h, err := PipeSpawner{}.Spawn(context.Background(), Spec{Argv: []string{"/bin/sh", "-c", "echo hi"}})
	require.NoError(t, err)
	sub := h.Subscribe()
	for range sub.C {
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("subscriber channel closed while Done was still open")
	}
}

func TestWrite_AfterExit(t *testing.T) {
	h, err := PipeSpawner{}.Spawn(context.Background(), Spec{Argv: []string{"true"}})
	require.NoError(t, err)
	waitDone(t, h)

	_, err = h.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrExited)
	assert.NoError(t, h.Kill())
	assert.NoError(t, h.Terminate(time.Second))
}

func TestSubscribe_LateSubscriberSeesBacklog(t *testing.T) {
	h, err := PipeSpawner{}.Spawn(context.Background(), Spec{Argv: []string{"/bin/sh", "-c", "echo early; sleep 30"}})
	require.NoError(t, err)
	defer func() { _ = h.Kill() }()

	first := h.Subscribe()
	readUntil(t, first, "early", 5*time.Second)
	first.Cancel()
	first.Cancel()

	late := h.Subscribe()
	defer late.Cancel()
	assert.Contains(t, string(late.Backlog), "early")
}

func TestSubscribe_ClosedAfterExit(t *testing.T) {
	h, err := PipeSpawner{}.Spawn(context.Background(), Spec{Argv: []string{"/bin/sh", "-c", "echo bye"}})
	require.NoError(t, err)
	waitDone(t, h)

	sub := h.Subscribe()
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Contains(t, string(sub.Backlog), "bye")
}

func TestResize_PTY(t *testing.T) {
	h, err := PTYSpawner{}.Spawn(context.Background(), Spec{Argv: []string{"cat"}, Cols: 80, Rows: 24})
	require.NoError(t, err)
	defer func() { _ = h.Kill() }()

	assert.NoError(t, h.Resize(120, 40))
	assert.Greater(t, h.PID(), 0)
}

func TestResize_PipeIsNoop(t *testing.T) {
	h, err := PipeSpawner{}.Spawn(context.Background(), Spec{Argv: []string{"cat"}})
	require.NoError(t, err)
	defer func() { _ = h.Kill() }()

	assert.NoError(t, h.Resize(120, 40))
}

func TestExitStatus_String(t *testing.T) {
	assert.Equal(t, "exit code 2", ExitStatus{Code: 2}.String())
	assert.Equal(t, "signal killed", ExitStatus{Code: -1, Signal: "killed"}.String())
}
