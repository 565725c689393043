package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/dacli/capability"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tool categories and operations with their enabled state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toolsRun()
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func toolsRun() error {
	reg := capability.NewRegistry(settings.Tools)
	if !settings.Tools.SetupCompleted {
		ui.Warning("Tool setup has not been completed; enable categories under 'tools' in the config file.")
	}

	for _, info := range capability.Catalog() {
		ui.Println()
		ui.Println(info.Icon, cyan(info.Name), faint(info.Description))
		ui.Println("  enabled:", yesNo(reg.IsCategoryEnabled(info.Category)))
		if missing := capability.MissingConfig(info.Category, settings.CapabilityValues(info.Category)); len(missing) > 0 {
			ui.Println("  missing config:", yellow(strings.Join(missing, ", ")))
		}

		table := ui.Table([]string{"Operation", "Kind", "Enabled", "Description"})
		for _, op := range info.Operations {
			_ = table.Append([]string{op.ID, op.Kind, yesNo(reg.IsOperationEnabled(op.ID)), op.Description})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}
	return nil
}
