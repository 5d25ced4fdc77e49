package provider

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Claude runs Claude Code.
type Claude struct{ binary }

var _ UsageParser = (*Claude)(nil)
var _ BannerMatcher = (*Claude)(nil)

func newClaude(opts Options) *Claude {
	return &Claude{binary{
		name: "claude",
		exe:  resolveExec(EnvVar("claude"), opts.Executable, "claude"),
		args: opts.Args,
		env:  opts.Env,
		banners: []*regexp.Regexp{
			regexp.MustCompile(`(?i)claude code`),
			regexp.MustCompile(`(?i)welcome to claude`),
		},
	}}
}

var (
	claudeCostRe   = regexp.MustCompile(`(?i)total cost:\s*\$([0-9]+(?:\.[0-9]+)?)`)
	claudeInputRe  = regexp.MustCompile(`(?i)([0-9][0-9,]*)\s+input`)
	claudeOutputRe = regexp.MustCompile(`(?i)([0-9][0-9,]*)\s+output`)
)

// ParseUsageOutput reads the summary printed by /cost, e.g.
// "Total cost: $0.42" followed by "Usage: 1,200 input, 300 output".
func (c *Claude) ParseUsageOutput(output string) (Usage, error) {
	var u Usage
	found := false
	if m := claudeCostRe.FindStringSubmatch(output); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Usage{}, fmt.Errorf("parse cost %q: %w", m[1], err)
		}
		u.CostUSD = v
		found = true
	}
	if m := claudeInputRe.FindStringSubmatch(output); m != nil {
		u.InputTokens = parseCount(m[1])
		found = true
	}
	if m := claudeOutputRe.FindStringSubmatch(output); m != nil {
		u.OutputTokens = parseCount(m[1])
		found = true
	}
	if !found {
		return Usage{}, errNoUsage
	}
	return u, nil
}

// Codex runs the OpenAI Codex CLI.
type Codex struct{ binary }

var _ UsageParser = (*Codex)(nil)

func newCodex(opts Options) *Codex {
	return &Codex{binary{
		name: "codex",
		exe:  resolveExec(EnvVar("codex"), opts.Executable, "codex"),
		args: opts.Args,
		env:  opts.Env,
		banners: []*regexp.Regexp{
			regexp.MustCompile(`(?i)openai codex`),
		},
	}}
}

var codexUsageRe = regexp.MustCompile(`(?i)(input|output)\s*=\s*([0-9][0-9,]*)`)

// ParseUsageOutput reads lines like "Token usage: total=1500 input=1200 output=300".
func (c *Codex) ParseUsageOutput(output string) (Usage, error) {
	matches := codexUsageRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return Usage{}, errNoUsage
	}
	var u Usage
	for _, m := range matches {
		switch strings.ToLower(m[1]) {
		case "input":
			u.InputTokens = parseCount(m[2])
		case "output":
			u.OutputTokens = parseCount(m[2])
		}
	}
	return u, nil
}

// Shell runs the user's login shell. It backs ad-hoc directory terminals.
type Shell struct{ binary }

func newShell(opts Options) *Shell {
	fallback := strings.TrimSpace(os.Getenv("SHELL"))
	if fallback == "" {
		fallback = "/bin/sh"
	}
	args := opts.Args
	if args == nil {
		args = []string{"-l"}
	}
	return &Shell{binary{
		name: "shell",
		exe:  resolveExec(EnvVar("shell"), opts.Executable, fallback),
		args: args,
		env:  opts.Env,
	}}
}

// Command runs an arbitrary configured argv.
type Command struct{ binary }

func newCommand(opts Options) (*Command, error) {
	exe := resolveExec(EnvVar("command"), opts.Executable, "")
	if exe == "" {
		return nil, errors.New("command provider requires an executable")
	}
	return &Command{binary{
		name: "command",
		exe:  exe,
		args: opts.Args,
		env:  opts.Env,
	}}, nil
}

var errNoUsage = errors.New("no usage found in output")

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	return n
}
