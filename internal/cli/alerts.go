package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"compliance-watch/internal/app"
)

var (
	alertsEntity     string
	alertsSeverity   string
	alertsType       string
	alertsAll        bool
	alertsLimit      int
	alertsBy         string
	alertsResolution string
	alertsWindow     int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and manage compliance alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts ordered by severity and recency",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), app.AlertListOptions{
			EntityID: alertsEntity,
			Severity: alertsSeverity,
			Type:     alertsType,
			All:      alertsAll,
			Limit:    alertsLimit,
		})
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert and stop its escalation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AcknowledgeAlert(cmd.Context(), args[0], alertsBy)
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResolveAlert(cmd.Context(), args[0], alertsBy, alertsResolution)
	},
}

var alertsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show alert statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsWindow <= 0 {
			return fmt.Errorf("--days must be greater than zero")
		}
		return getApp().AlertStats(cmd.Context(), alertsWindow)
	},
}

var alertsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge resolved alerts past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CleanupAlerts(cmd.Context())
	},
}

func init() {
	alertsListCmd.Flags().StringVar(&alertsEntity, "entity", "", "Filter by entity id")
	alertsListCmd.Flags().StringVar(&alertsSeverity, "severity", "", "Filter by severity")
	alertsListCmd.Flags().StringVar(&alertsType, "type", "", "Filter by alert type")
	alertsListCmd.Flags().BoolVar(&alertsAll, "all", false, "Include resolved alerts")
	alertsListCmd.Flags().IntVar(&alertsLimit, "limit", 50, "Maximum alerts to display")

	for _, c := range []*cobra.Command{alertsAckCmd, alertsResolveCmd} {
		c.Flags().StringVar(&alertsBy, "by", "", "Who is acting on the alert")
	}
	alertsResolveCmd.Flags().StringVar(&alertsResolution, "resolution", "", "Resolution note")
	alertsStatsCmd.Flags().IntVar(&alertsWindow, "days", 30, "Window in days")

	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd, alertsResolveCmd, alertsStatsCmd, alertsCleanupCmd)
}
