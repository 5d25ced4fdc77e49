package process

import (
	"context"
	"fmt"
	"log/slog"

	creackpty "github.com/creack/pty"
)

// PTYSpawner starts processes attached to a pseudoterminal. The child becomes a
// session leader, so its pid is also its process group id.
type PTYSpawner struct {
	Logger *slog.Logger
}

func (s PTYSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := buildCommand(spec)
	if err != nil {
		return nil, err
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	cols, rows := dimensions(spec)
	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", spec.Argv[0], err)
	}

	p := newProc(cmd, ptmx, ptmx, spec, s.Logger)
	p.resize = func(cols, rows uint16) error {
		return creackpty.Setsize(ptmx, &creackpty.Winsize{Cols: cols, Rows: rows})
	}
	p.logger.Debug("pty spawn", "argv0", spec.Argv[0], "dir", spec.Dir, "pid", p.PID())
	p.start()
	return p, nil
}
