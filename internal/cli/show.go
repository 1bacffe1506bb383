package cli

import (
	"github.com/spf13/cobra"

	"loanwarden/internal/app"
)

var showLimit int

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the materialized loan book from the local ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 0, "Maximum number of accounts to print (0 = all)")
}
