package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"route-deal-alerts/internal/app"
)

var (
	showRoute string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display a route history, or recent alerts when no route is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			RouteKey: showRoute,
			Limit:    showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showRoute, "route", "", "Route key whose history to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
