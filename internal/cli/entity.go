package cli

import (
	"github.com/spf13/cobra"

	"compliance-watch/internal/monitor"
)

var (
	entityName     string
	entityIndustry string
	entityInterval int
	entityDisabled bool
	entityListAll  bool
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Manage monitored entities",
}

var entityAddCmd = &cobra.Command{
	Use:   "add <entity-id>",
	Short: "Enable monitoring for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled := !entityDisabled
		return getApp().AddEntity(cmd.Context(), args[0], monitor.EntityConfig{
			Name:            entityName,
			Industry:        entityIndustry,
			Enabled:         &enabled,
			IntervalMinutes: entityInterval,
		})
	},
}

var entityRemoveCmd = &cobra.Command{
	Use:   "remove <entity-id>",
	Short: "Disable monitoring for an entity, keeping its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveEntity(cmd.Context(), args[0])
	},
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListEntities(cmd.Context(), entityListAll)
	},
}

func init() {
	entityAddCmd.Flags().StringVar(&entityName, "name", "", "Entity display name")
	entityAddCmd.Flags().StringVar(&entityIndustry, "industry", "", "Industry used for the risk adjustment")
	entityAddCmd.Flags().IntVar(&entityInterval, "interval", 0, "Initial polling interval in minutes (derived from the risk score when 0)")
	entityAddCmd.Flags().BoolVar(&entityDisabled, "disabled", false, "Register the entity without scheduling checks")
	entityListCmd.Flags().BoolVar(&entityListAll, "all", false, "Include disabled entities")

	entityCmd.AddCommand(entityAddCmd, entityRemoveCmd, entityListCmd)
}
