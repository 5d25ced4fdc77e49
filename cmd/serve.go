package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/amux/internal/api"
	"github.com/joescharf/amux/internal/daemon"
	"github.com/joescharf/amux/internal/instance"
	"github.com/joescharf/amux/internal/process"
	"github.com/joescharf/amux/internal/provider"
	"github.com/joescharf/amux/internal/terminal"
	"github.com/joescharf/amux/internal/workspace"
)

const (
	serveShutdownTimeout = 10 * time.Second
	serveStartWait       = 5 * time.Second
	serveStopWait        = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the amux server in the foreground",
	Long: `Run the amux server: the instance supervisor, the terminal registry and
the HTTP/WebSocket API. Only one server runs per state directory.

Use 'amux serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 7070, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	_, pidPath := daemon.Paths(viper.GetString("state_dir"))
	return daemon.NewPIDFile(pidPath)
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "amux-serve.log")
}

// newLogger builds the server logger from log.level and log.format.
func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log.format"), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func agentSpawner(logger *slog.Logger) (process.Spawner, error) {
	switch backend := viper.GetString("agent.backend"); backend {
	case "", "pty":
		return process.PTYSpawner{Logger: logger}, nil
	case "pipe":
		return process.PipeSpawner{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown agent backend %q (want pty or pipe)", backend)
	}
}

func supervisorConfig() instance.Config {
	cfg := instance.DefaultConfig()
	cfg.SpawnTimeout = viper.GetDuration("agent.spawn_timeout")
	cfg.ReadyQuietPeriod = viper.GetDuration("agent.ready_quiet_period")
	cfg.StopGracePeriod = viper.GetDuration("agent.stop_grace_period")
	cfg.ActivityFlush = viper.GetDuration("agent.activity_flush")
	if n := viper.GetInt("terminal.scrollback_bytes"); n > 0 {
		cfg.ScrollbackBytes = n
	}
	return cfg
}

func registryConfig() terminal.Config {
	cfg := terminal.DefaultConfig()
	cfg.ReplayOnAttach = viper.GetBool("terminal.replay_on_attach")
	if n := viper.GetInt("terminal.scrollback_bytes"); n > 0 {
		cfg.ScrollbackBytes = n
	}
	return cfg
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	guard, err := daemon.Acquire(viper.GetString("state_dir"))
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Warn("release server lock", "error", err)
		}
	}()

	st, err := getStore()
	if err != nil {
		return err
	}
	defer st.Close()

	agent, err := provider.New(viper.GetString("agent.provider"), provider.Options{
		Executable: viper.GetString("agent.executable"),
		Args:       viper.GetStringSlice("agent.args"),
	})
	if err != nil {
		return fmt.Errorf("agent provider: %w", err)
	}
	if err := agent.CheckAvailability(ctx); err != nil {
		logger.Warn("agent provider unavailable; starts will fail", "provider", agent.Name(), "error", err)
	}
	spawner, err := agentSpawner(logger)
	if err != nil {
		return err
	}
	shell, err := provider.New("shell", provider.Options{Executable: viper.GetString("terminal.shell")})
	if err != nil {
		return err
	}

	cfg := supervisorConfig()
	sup := instance.NewSupervisor(st, workspace.NewResolver(st), spawner, agent, cfg, instance.WithLogger(logger))
	reg := terminal.NewRegistry(registryConfig(), sup, logger)

	n, err := sup.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover instances: %w", err)
	}
	if n > 0 {
		logger.Info("marked stale instances stopped", "count", n)
	}

	srv := api.NewServer(st, sup, reg, api.Shells{
		Spawner:  process.PTYSpawner{Logger: logger},
		Provider: shell,
		Cols:     cfg.Cols,
		Rows:     cfg.Rows,
	}, logger)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		logger.Info("amux server listening", "addr", ln.Addr().String(), "version", buildVersion)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		// New viewers and requests stop first, then sessions, then agents.
		httpErr := httpSrv.Shutdown(shutdownCtx)
		reg.CloseAll()
		return errors.Join(httpErr, sup.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("port"))}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	if dryRun {
		ui.DryRunMsg("Would run %s %s (log: %s)", exe, strings.Join(args, " "), serveLogPath())
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	childPID := child.Process.Pid
	_ = child.Process.Release()

	deadline := time.Now().Add(serveStartWait)
	for time.Now().Before(deadline) {
		if pid, running := pf.IsRunning(); running && pid == childPID {
			ui.Success("Server started (pid %d) on port %d", pid, viper.GetInt("port"))
			ui.Info("Log: %s", serveLogPath())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server did not start within %s; see %s", serveStartWait, serveLogPath())
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return errors.New("server not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			return errors.New("server not running")
		}
		return fmt.Errorf("signal server: %w", err)
	}

	deadline := time.Now().Add(serveStopWait)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	ui.Warning("Server did not exit within %s, killing", serveStopWait)
	if err := pf.Signal(sigKILL()); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server not running")
		return nil
	}
	ui.Success("Server running (pid %d)", pid)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := newClient().Status(ctx)
	if err != nil {
		ui.Warning("Server not responding at %s: %v", serverURL(), err)
		return nil
	}
	fmt.Fprintf(ui.Out, "  %-12s %s\n", "url", serverURL())
	fmt.Fprintf(ui.Out, "  %-12s %d\n", "instances", st.Instances)
	fmt.Fprintf(ui.Out, "  %-12s %d\n", "terminals", st.Terminals)
	return nil
}
