package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/amux/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

The tools call a running amux server (see 'amux serve'), so an agent can
list workspaces and start, stop or restart instances. Configure in Claude
Code with:

  {
    "mcpServers": {
      "amux": { "command": "amux", "args": ["mcp"] }
    }
  }

Available tools: amux_list_workspaces, amux_list_instances,
amux_start_instance, amux_stop_instance, amux_restart_instance,
amux_list_terminals`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcp.NewServer(newClient(), buildVersion).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
