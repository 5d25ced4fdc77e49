package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// PipeSpawner starts processes without a terminal. Stdout and stderr share one
// pipe so output ordering matches what the process wrote.
type PipeSpawner struct {
	Logger *slog.Logger
}

func (s PipeSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := buildCommand(spec)
	if err != nil {
		return nil, err
	}
	cmd.SysProcAttr = groupAttrs()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("create input pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	// The child holds its own copy; ours must go so EOF arrives on exit.
	_ = w.Close()

	p := newProc(cmd, r, stdin, spec, s.Logger)
	p.logger.Debug("pipe spawn", "argv0", spec.Argv[0], "dir", spec.Dir, "pid", p.PID())
	p.start()
	return p, nil
}
