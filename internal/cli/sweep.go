package cli

import (
	"github.com/spf13/cobra"

	"loanwarden/internal/app"
)

var sweepDryRun bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single liquidation sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SweepOnce(cmd.Context(), app.SweepOptions{DryRun: sweepDryRun})
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Select candidates but do not submit liquidations")
}
