package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <entity-id>",
	Short: "Run one compliance check now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context(), args[0])
	},
}

var recalculateCmd = &cobra.Command{
	Use:   "recalculate",
	Short: "Recompute risk scores for every monitored entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Recalculate(cmd.Context())
	},
}
