package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/amux/internal/client"
	"github.com/joescharf/amux/internal/output"
	"github.com/joescharf/amux/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "amux",
	Short: "Agent multiplexer - supervise AI agent instances and their terminals",
	Long: `amux runs one AI agent instance per workspace, keeps every lifecycle
transition on disk, and serves shared terminal sessions over WebSocket so
any number of viewers can watch and type into a running agent.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(ui.Out, "amux %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/amux/config.yaml)")
	rootCmd.PersistentFlags().String("server", "", "amux server URL (default http://localhost:<port>)")
	_ = viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AMUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default, rooted at dir.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "amux.db"))
	viper.SetDefault("port", 7070)
	viper.SetDefault("server_url", "")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("agent.provider", "claude")
	viper.SetDefault("agent.executable", "")
	viper.SetDefault("agent.args", []string{})
	viper.SetDefault("agent.spawn_timeout", 10*time.Second)
	viper.SetDefault("agent.ready_quiet_period", 1500*time.Millisecond)
	viper.SetDefault("agent.stop_grace_period", 5*time.Second)
	viper.SetDefault("agent.activity_flush", time.Second)
	viper.SetDefault("agent.backend", "pty")

	viper.SetDefault("terminal.scrollback_bytes", 256*1024)
	viper.SetDefault("terminal.replay_on_attach", true)
	viper.SetDefault("terminal.shell", "")

	viper.SetDefault("viewer.max_connections", 10)
	viper.SetDefault("viewer.connect_timeout", 10*time.Second)
	viper.SetDefault("viewer.heartbeat_interval", 30*time.Second)
	viper.SetDefault("viewer.reconnect_base_delay", time.Second)
	viper.SetDefault("viewer.reconnect_max_delay", 5*time.Second)
	viper.SetDefault("viewer.max_reconnect_attempts", 3)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// serverURL is the configured server, or the local one on the configured port.
func serverURL() string {
	if u := viper.GetString("server_url"); u != "" {
		return u
	}
	return fmt.Sprintf("http://localhost:%d", viper.GetInt("port"))
}

// newClient returns an API client. Tests replace it.
var newClient = func() *client.Client {
	return client.New(serverURL())
}
