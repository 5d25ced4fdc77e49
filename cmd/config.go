package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "amux"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage amux configuration.

Running bare 'amux config' is the same as 'amux config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# amux configuration
# See: amux config show (for effective values and sources)

# State directory for the lock and pid files (default: ~/.config/amux)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/amux/amux.db)
# db_path: {{ .DBPath }}

# Port for 'amux serve' (default: 7070)
port: {{ .Port }}

# Server URL used by clients (default: http://localhost:<port>)
# server_url: ""

log:
  # debug, info, warn or error
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"

# Agent settings
agent:
  # claude, codex, shell or command
  provider: "{{ .AgentProvider }}"

  # Override the provider's executable (also AMUX_<PROVIDER>_EXECUTABLE)
  executable: "{{ .AgentExecutable }}"

  # pty or pipe
  backend: "{{ .AgentBackend }}"

  # How long a spawn may take before the instance is marked error
  spawn_timeout: {{ .SpawnTimeout }}

  # Time to wait for SIGTERM to take effect before SIGKILL
  stop_grace_period: {{ .StopGracePeriod }}

# Terminal sessions
terminal:
  # Bytes of output kept per session for replay to new viewers
  scrollback_bytes: {{ .ScrollbackBytes }}

  # Shell for directory terminals (default: $SHELL)
  shell: "{{ .TerminalShell }}"

# Viewer connection pool (used by 'amux attach')
viewer:
  max_connections: {{ .ViewerMaxConnections }}
  max_reconnect_attempts: {{ .ViewerMaxReconnects }}
`

type configTemplateData struct {
	StateDir             string
	DBPath               string
	Port                 int
	LogLevel             string
	LogFormat            string
	AgentProvider        string
	AgentExecutable      string
	AgentBackend         string
	SpawnTimeout         string
	StopGracePeriod      string
	ScrollbackBytes      int
	TerminalShell        string
	ViewerMaxConnections int
	ViewerMaxReconnects  int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:             viper.GetString("state_dir"),
		DBPath:               viper.GetString("db_path"),
		Port:                 viper.GetInt("port"),
		LogLevel:             viper.GetString("log.level"),
		LogFormat:            viper.GetString("log.format"),
		AgentProvider:        viper.GetString("agent.provider"),
		AgentExecutable:      viper.GetString("agent.executable"),
		AgentBackend:         viper.GetString("agent.backend"),
		SpawnTimeout:         viper.GetDuration("agent.spawn_timeout").String(),
		StopGracePeriod:      viper.GetDuration("agent.stop_grace_period").String(),
		ScrollbackBytes:      viper.GetInt("terminal.scrollback_bytes"),
		TerminalShell:        viper.GetString("terminal.shell"),
		ViewerMaxConnections: viper.GetInt("viewer.max_connections"),
		ViewerMaxReconnects:  viper.GetInt("viewer.max_reconnect_attempts"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// envVarFor maps a config key to the environment variable viper reads for it.
func envVarFor(key string) string {
	return "AMUX_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// configKeys lists every registered key in display order.
func configKeys() []string {
	keys := viper.AllKeys()
	sort.Strings(keys)
	return keys
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	lines, err := configFileLines(cfgPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		ui.Info("Config file: (none)")
	case err != nil:
		ui.Warning("Config file %s unreadable: %v", cfgPath, err)
	default:
		ui.Info("Config file: %s", cfgPath)
	}
	fmt.Fprintln(ui.Out)

	table := ui.Table([]string{"KEY", "VALUE", "SOURCE"})
	for _, key := range configKeys() {
		if err := table.Append([]string{key, fmt.Sprint(viper.Get(key)), configSource(key, lines)}); err != nil {
			return err
		}
	}
	return table.Render()
}

// configFileLines maps each dotted key set in the YAML file to its line number.
func configFileLines(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	lines := make(map[string]int)
	if len(doc.Content) > 0 {
		collectKeyLines(doc.Content[0], "", lines)
	}
	return lines, nil
}

func collectKeyLines(n *yaml.Node, prefix string, out map[string]int) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		key := k.Value
		if prefix != "" {
			key = prefix + "." + key
		}
		if v.Kind == yaml.MappingNode {
			collectKeyLines(v, key, out)
			continue
		}
		out[key] = k.Line
	}
}

// configSource reports where key's effective value comes from. The environment
// wins over the file, which wins over the default.
func configSource(key string, fileLines map[string]int) string {
	if env := envVarFor(key); os.Getenv(env) != "" {
		return "env " + env
	}
	if line, ok := fileLines[key]; ok {
		return fmt.Sprintf("file:%d", line)
	}
	return "default"
}

// editorCommand returns the user's editor split into argv, VISUAL first.
func editorCommand() ([]string, error) {
	for _, env := range []string{"VISUAL", "EDITOR"} {
		if argv := strings.Fields(os.Getenv(env)); len(argv) > 0 {
			return argv, nil
		}
	}
	return nil, errors.New("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
}

func configEditRun() error {
	argv, err := editorCommand()
	if err != nil {
		return err
	}
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s (run 'amux config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, strings.Join(argv, " "))
		return nil
	}

	editCmd := exec.Command(argv[0], append(argv[1:], cfgPath)...)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
