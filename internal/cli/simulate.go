package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"compliance-watch/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert <entity-id>",
	Short: "Run a check against a fabricated snapshot to exercise alerting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.OverdueFilings < 0 || simulateOpts.LateCorrections < 0 || simulateOpts.PendingObligations < 0 {
			return errors.New("counts must not be negative")
		}
		opts := simulateOpts
		opts.EntityID = args[0]
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateOpts.FiscalActive, "fiscal-active", true, "Fiscal status active")
	simulateCmd.Flags().BoolVar(&simulateOpts.VATRegistered, "vat-registered", true, "VAT registration present")
	simulateCmd.Flags().IntVar(&simulateOpts.OverdueFilings, "overdue", 0, "Overdue filings")
	simulateCmd.Flags().IntVar(&simulateOpts.LateCorrections, "late-corrections", 0, "Late corrections")
	simulateCmd.Flags().IntVar(&simulateOpts.PendingObligations, "pending", 0, "Pending obligations")
}
