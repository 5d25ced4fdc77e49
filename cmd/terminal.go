package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/amux/internal/output"
)

var terminalDirectory bool

var terminalCmd = &cobra.Command{
	Use:     "terminal",
	Aliases: []string{"term"},
	Short:   "Manage terminal sessions",
}

var terminalOpenCmd = &cobra.Command{
	Use:   "open <instance>",
	Short: "Open a terminal session and print its id",
	Long: `Open a terminal session on an instance and print its session id.

By default the session observes the instance's agent process, which must be
running. With --directory a fresh shell is started in the instance's
workspace instead; closing the session ends the shell.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return terminalOpenRun(cmd, args[0])
	},
}

var terminalListCmd = &cobra.Command{
	Use:     "list <instance>",
	Aliases: []string{"ls"},
	Short:   "List an instance's terminal sessions",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return terminalListRun(cmd, args[0])
	},
}

var terminalCloseCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "Close a terminal session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return terminalCloseRun(cmd, args[0])
	},
}

func init() {
	terminalOpenCmd.Flags().BoolVarP(&terminalDirectory, "directory", "d", false, "Start a shell in the workspace instead of observing the agent")

	terminalCmd.AddCommand(terminalOpenCmd)
	terminalCmd.AddCommand(terminalListCmd)
	terminalCmd.AddCommand(terminalCloseCmd)
	rootCmd.AddCommand(terminalCmd)
}

func terminalOpenRun(cmd *cobra.Command, instanceID string) error {
	if dryRun {
		ui.DryRunMsg("Would open a terminal on instance %s", instanceID)
		return nil
	}
	id, err := newClient().CreateTerminal(cmd.Context(), instanceID, terminalDirectory)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, id)
	return nil
}

func terminalListRun(cmd *cobra.Command, instanceID string) error {
	terms, err := newClient().ListTerminals(cmd.Context(), instanceID)
	if err != nil {
		return err
	}
	if len(terms) == 0 {
		ui.Info("No terminal sessions")
		return nil
	}

	table := ui.Table([]string{"SESSION", "KIND", "VIEWERS", "OPENED"})
	now := time.Now()
	for _, t := range terms {
		if err := table.Append([]string{t.ID, string(t.Kind), fmt.Sprint(t.Connections), output.Ago(t.CreatedAt, now)}); err != nil {
			return err
		}
	}
	return table.Render()
}

func terminalCloseRun(cmd *cobra.Command, sessionID string) error {
	if dryRun {
		ui.DryRunMsg("Would close terminal session %s", sessionID)
		return nil
	}
	if err := newClient().CloseTerminal(cmd.Context(), sessionID); err != nil {
		return err
	}
	ui.Success("Closed terminal session %s", sessionID)
	return nil
}
