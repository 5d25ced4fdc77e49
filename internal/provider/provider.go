// Package provider describes the agent programs an instance can run. A provider
// knows how to locate its executable and build the process spec for a workspace.
//
// Core interface (required):
//
//	Provider: name, availability check, spawn spec, one-shot command execution
//
// Optional capability interfaces:
//
//	UsageParser:   extracts token/cost usage from command output
//	BannerMatcher: startup banner patterns reported when an instance becomes ready
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/joescharf/amux/internal/process"
)

var (
	// ErrUnknown is returned by New for an unregistered provider name.
	ErrUnknown = errors.New("unknown provider")
	// ErrUnavailable is returned by CheckAvailability when the executable cannot be found.
	ErrUnavailable = errors.New("provider unavailable")
)

// Provider is the capability set every agent backend implements.
type Provider interface {
	Name() string
	CheckAvailability(ctx context.Context) error
	// SpawnSpec returns the interactive process to start in dir.
	SpawnSpec(dir string) process.Spec
	// ExecuteCommand runs the provider executable non-interactively and returns
	// its combined output.
	ExecuteCommand(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// Usage is token and cost accounting reported by an agent.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// UsageParser is implemented by providers whose output reports usage.
type UsageParser interface {
	ParseUsageOutput(output string) (Usage, error)
}

// BannerMatcher is implemented by providers with a recognizable startup banner.
type BannerMatcher interface {
	ReadyPatterns() []*regexp.Regexp
}

// Options configure a provider.
type Options struct {
	// Executable overrides the provider's default binary. For the command
	// provider it is argv[0].
	Executable string
	Args       []string
	Env        []string
}

// Names lists the registered providers.
func Names() []string {
	return []string{"claude", "codex", "shell", "command"}
}

// New returns the provider registered under name.
func New(name string, opts Options) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claude":
		return newClaude(opts), nil
	case "codex":
		return newCodex(opts), nil
	case "shell":
		return newShell(opts), nil
	case "command":
		return newCommand(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
}

// EnvVar returns the environment variable that overrides a provider's executable.
func EnvVar(name string) string {
	return "AMUX_" + strings.ToUpper(name) + "_EXECUTABLE"
}

// resolveExec picks the executable from the env override, then the configured
// value, then the default.
func resolveExec(envVar, configured, fallback string) string {
	if envVar != "" {
		if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(configured); v != "" {
		return v
	}
	return fallback
}

// binary is the shared implementation for providers backed by a single executable.
type binary struct {
	name    string
	exe     string
	args    []string
	env     []string
	banners []*regexp.Regexp
}

func (b *binary) Name() string { return b.name }

func (b *binary) Executable() string { return b.exe }

func (b *binary) CheckAvailability(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(b.exe); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, b.name, err)
	}
	return nil
}

func (b *binary) SpawnSpec(dir string) process.Spec {
	argv := append([]string{b.exe}, b.args...)
	return process.Spec{
		Argv: argv,
		Dir:  dir,
		Env:  append([]string(nil), b.env...),
	}
}

func (b *binary) ExecuteCommand(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.exe, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), b.env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", b.name, strings.Join(args, " "), err)
	}
	return out, nil
}

func (b *binary) ReadyPatterns() []*regexp.Regexp { return b.banners }
