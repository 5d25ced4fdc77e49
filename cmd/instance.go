package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/amux/internal/models"
	"github.com/joescharf/amux/internal/output"
)

var instanceListAll bool

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"i"},
	Short:   "Start, stop and inspect agent instances",
}

var instanceStartCmd = &cobra.Command{
	Use:   "start <workspace>",
	Short: "Start the agent instance for a workspace",
	Long: `Start the agent instance for a workspace (by name or id).

A workspace runs at most one instance. Starting a workspace whose last
instance stopped reuses that instance id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return instanceStartRun(cmd, args[0])
	},
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop <instance>",
	Short: "Stop a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return instanceStopRun(cmd, args[0])
	},
}

var instanceRestartCmd = &cobra.Command{
	Use:   "restart <instance>",
	Short: "Restart an instance, keeping its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return instanceRestartRun(cmd, args[0])
	},
}

var instanceListCmd = &cobra.Command{
	Use:     "list [workspace]",
	Aliases: []string{"ls"},
	Short:   "List live instances, or a workspace's instances",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := ""
		if len(args) == 1 {
			ws = args[0]
		}
		return instanceListRun(cmd, ws)
	},
}

var instanceShowCmd = &cobra.Command{
	Use:   "show <instance>",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return instanceShowRun(cmd, args[0])
	},
}

func init() {
	instanceListCmd.Flags().BoolVarP(&instanceListAll, "all", "a", false, "Include stopped instances (requires a workspace)")

	instanceCmd.AddCommand(instanceStartCmd)
	instanceCmd.AddCommand(instanceStopCmd)
	instanceCmd.AddCommand(instanceRestartCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceShowCmd)
	rootCmd.AddCommand(instanceCmd)
}

func instanceStartRun(cmd *cobra.Command, workspaceRef string) error {
	if dryRun {
		ui.DryRunMsg("Would start an instance in workspace %s", workspaceRef)
		return nil
	}
	inst, err := newClient().StartInstance(cmd.Context(), workspaceRef)
	if err != nil {
		return err
	}
	return reportInstance("Started", inst)
}

func instanceStopRun(cmd *cobra.Command, id string) error {
	if dryRun {
		ui.DryRunMsg("Would stop instance %s", id)
		return nil
	}
	inst, err := newClient().StopInstance(cmd.Context(), id)
	if err != nil {
		return err
	}
	ui.Success("Stopped instance %s", inst.ID)
	return nil
}

func instanceRestartRun(cmd *cobra.Command, id string) error {
	if dryRun {
		ui.DryRunMsg("Would restart instance %s", id)
		return nil
	}
	inst, err := newClient().RestartInstance(cmd.Context(), id)
	if err != nil {
		return err
	}
	return reportInstance("Restarted", inst)
}

// reportInstance prints the outcome of a start. A spawn that failed after the
// record was written comes back with status error, not an API error.
func reportInstance(verb string, inst *models.Instance) error {
	if inst.Status == models.InstanceStatusError {
		return fmt.Errorf("instance %s failed to start: %s", inst.ID, inst.ErrorMessage)
	}
	ui.Success("%s instance %s (%s)", verb, inst.ID, inst.Status)
	return nil
}

func instanceListRun(cmd *cobra.Command, workspaceRef string) error {
	c := newClient()
	var (
		instances []*models.Instance
		err       error
	)
	if workspaceRef == "" {
		if instanceListAll {
			return fmt.Errorf("--all requires a workspace")
		}
		instances, err = c.ListLiveInstances(cmd.Context())
	} else {
		instances, err = c.ListInstances(cmd.Context(), workspaceRef, instanceListAll)
	}
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		ui.Info("No instances")
		return nil
	}
	return ui.InstanceTable(instances, time.Now())
}

func instanceShowRun(cmd *cobra.Command, id string) error {
	inst, err := newClient().GetInstance(cmd.Context(), id)
	if err != nil {
		return err
	}

	now := time.Now()
	row := func(k, v string) { fmt.Fprintf(ui.Out, "  %-14s %s\n", k, v) }
	row("id", inst.ID)
	row("workspace", inst.WorkspaceID)
	row("provider", inst.Provider)
	row("status", output.StatusColor(inst.Status))
	if inst.ProcessID != nil {
		row("pid", fmt.Sprint(*inst.ProcessID))
	}
	row("created", output.Ago(inst.CreatedAt, now))
	row("updated", output.Ago(inst.UpdatedAt, now))
	if inst.LastActivityAt != nil {
		row("last activity", output.Ago(*inst.LastActivityAt, now))
	}
	if inst.ErrorMessage != "" {
		row("error", inst.ErrorMessage)
	}
	return nil
}
