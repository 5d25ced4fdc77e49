package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/amux/internal/output"
)

var workspaceName string

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage workspaces",
	Long:    "Register the directories agent instances run in.",
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add [path]",
	Short: "Register a directory as a workspace (default: current directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		return workspaceAddRun(cmd, path)
	},
}

var workspaceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceListRun(cmd)
	},
}

var workspaceRemoveCmd = &cobra.Command{
	Use:     "rm <workspace>",
	Aliases: []string{"remove"},
	Short:   "Remove a workspace (by name or id)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceRemoveRun(cmd, args[0])
	},
}

func init() {
	workspaceAddCmd.Flags().StringVar(&workspaceName, "name", "", "Workspace name (default: directory name)")

	workspaceCmd.AddCommand(workspaceAddCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceRemoveCmd)
	rootCmd.AddCommand(workspaceCmd)
}

func workspaceAddRun(cmd *cobra.Command, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("workspace path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace path is not a directory: %s", absPath)
	}

	name := workspaceName
	if name == "" {
		name = filepath.Base(absPath)
	}

	if dryRun {
		ui.DryRunMsg("Would add workspace %s (%s)", name, absPath)
		return nil
	}

	ws, err := newClient().CreateWorkspace(cmd.Context(), name, absPath)
	if err != nil {
		return err
	}
	ui.Success("Added workspace %s (%s)", ws.Name, ws.ID)
	return nil
}

func workspaceListRun(cmd *cobra.Command) error {
	workspaces, err := newClient().ListWorkspaces(cmd.Context())
	if err != nil {
		return err
	}
	if len(workspaces) == 0 {
		ui.Info("No workspaces. Add one with: amux workspace add <path>")
		return nil
	}

	table := ui.Table([]string{"NAME", "ID", "PATH", "ADDED"})
	now := time.Now()
	for _, ws := range workspaces {
		if err := table.Append([]string{ws.Name, ws.ID, ws.Path, output.Ago(ws.CreatedAt, now)}); err != nil {
			return err
		}
	}
	return table.Render()
}

func workspaceRemoveRun(cmd *cobra.Command, ref string) error {
	c := newClient()
	ws, err := c.GetWorkspace(cmd.Context(), ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove workspace %s (%s)", ws.Name, ws.ID)
		return nil
	}

	if err := c.DeleteWorkspace(cmd.Context(), ws.ID); err != nil {
		return err
	}
	ui.Success("Removed workspace %s", ws.Name)
	return nil
}
