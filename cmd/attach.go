package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/joescharf/amux/internal/protocol"
	"github.com/joescharf/amux/internal/viewer"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

// foregroundPoll is how often attach checks whether it still owns the terminal.
const foregroundPoll = 2 * time.Second

var (
	attachDirectory bool
	attachSession   string
	attachKeep      bool
)

var attachCmd = &cobra.Command{
	Use:   "attach <instance>",
	Short: "Attach this terminal to an instance",
	Long: `Attach the current terminal to an instance's agent, or with --directory to a
new shell in its workspace. Press Ctrl-] to detach.

Other viewers attached to the same session see the same output and share
input. The connection is retried on transient failures and ends when the
session closes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instanceID := ""
		if len(args) == 1 {
			instanceID = args[0]
		}
		if instanceID == "" && attachSession == "" {
			return errors.New("an instance or --session is required")
		}
		return attachRun(cmd.Context(), instanceID)
	},
}

func init() {
	attachCmd.Flags().BoolVarP(&attachDirectory, "directory", "d", false, "Open a shell in the workspace instead of the agent")
	attachCmd.Flags().StringVarP(&attachSession, "session", "s", "", "Attach to an existing terminal session")
	attachCmd.Flags().BoolVar(&attachKeep, "keep", false, "Leave the session open after detaching")
	rootCmd.AddCommand(attachCmd)
}

func viewerConfig() viewer.Config {
	cfg := viewer.DefaultConfig()
	if n := viper.GetInt("viewer.max_connections"); n > 0 {
		cfg.MaxConnections = n
	}
	if d := viper.GetDuration("viewer.connect_timeout"); d > 0 {
		cfg.ConnectTimeout = d
	}
	if d := viper.GetDuration("viewer.heartbeat_interval"); d > 0 {
		cfg.HeartbeatInterval = d
	}
	if d := viper.GetDuration("viewer.reconnect_base_delay"); d > 0 {
		cfg.ReconnectBaseDelay = d
	}
	if d := viper.GetDuration("viewer.reconnect_max_delay"); d > 0 {
		cfg.ReconnectMaxDelay = d
	}
	if n := viper.GetInt("viewer.max_reconnect_attempts"); n >= 0 {
		cfg.MaxReconnectAttempts = n
	}
	return cfg
}

// attachSessionEnd carries why an attached session stopped.
type attachSessionEnd struct {
	once sync.Once
	done chan struct{}
	err  error
}

func (e *attachSessionEnd) finish(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

func attachRun(ctx context.Context, instanceID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := newClient()

	sessionID := attachSession
	created := false
	if sessionID == "" {
		id, err := c.CreateTerminal(ctx, instanceID, attachDirectory)
		if err != nil {
			return err
		}
		sessionID, created = id, true
	}
	if created && !attachKeep {
		defer func() {
			if err := c.CloseTerminal(context.WithoutCancel(ctx), sessionID); err != nil && verbose {
				ui.Warning("close session %s: %v", sessionID, err)
			}
		}()
	}

	dialer, err := viewer.NewWSDialer(serverURL())
	if err != nil {
		return err
	}
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(ui.ErrOut, &slog.HandlerOptions{Level: logLevel}))
	dialer.Logger = logger

	end := &attachSessionEnd{done: make(chan struct{})}
	pool := viewer.NewPool(dialer, viewerConfig(),
		viewer.WithLogger(logger),
		viewer.WithOnExhausted(func(_ string, err error) {
			if errors.Is(err, viewer.ErrSessionGone) {
				end.finish(nil)
				return
			}
			end.finish(err)
		}),
	)
	defer pool.Shutdown()

	sub, err := pool.Connect(ctx, sessionID, func(f protocol.Frame) {
		if f.Type == protocol.TypeData {
			_, _ = io.WriteString(ui.Out, f.Data)
		}
	})
	if err != nil {
		return fmt.Errorf("attach %s: %w", sessionID, err)
	}
	defer sub.Close()

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(stdin, state) }()

		// A job sent to the background throttles its heartbeat.
		wake := make(chan os.Signal, 1)
		if sigs := resumeSignals(); len(sigs) > 0 {
			signal.Notify(wake, sigs...)
			defer signal.Stop(wake)
		}
		stopForeground := watchForeground(foregroundProbe(stdin), foregroundPoll, wake, func(fg bool) {
			pool.SetBackground(!fg)
		})
		defer stopForeground()
	}

	sendSize := func() {
		cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil || cols <= 0 || rows <= 0 {
			return
		}
		pool.Send(sessionID, protocol.Resize(uint16(cols), uint16(rows)))
	}
	sendSize()
	stopResize := watchResize(sendSize)
	defer stopResize()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					if i > 0 {
						pool.Send(sessionID, protocol.Data(chunk[:i]))
					}
					end.finish(nil)
					return
				}
				pool.Send(sessionID, protocol.Data(chunk))
			}
			if err != nil {
				end.finish(nil)
				return
			}
		}
	}()

	select {
	case <-end.done:
	case <-ctx.Done():
	}
	// Leave the cursor on a fresh line after raw mode.
	fmt.Fprint(ui.ErrOut, "\r\n")
	if end.err != nil {
		return fmt.Errorf("session %s: %w", sessionID, end.err)
	}
	ui.Info("Detached from %s", sessionID)
	return nil
}


// watchForeground calls fn with probe's result once, then again whenever it
// changes. probe runs every interval and on each wake signal.
func watchForeground(probe func() bool, interval time.Duration, wake <-chan os.Signal, fn func(foreground bool)) (stop func()) {
	last := probe()
	fn(last)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-wake:
			case <-done:
				return
			}
			if fg := probe(); fg != last {
				last = fg
				fn(fg)
			}
		}
	}()
	return func() { close(done) }
}
