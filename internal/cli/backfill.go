package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"route-deal-alerts/internal/app"
)

var (
	backfillFile   string
	backfillFrom   string
	backfillTo     string
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Seed route history from an observation file without alerting",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFile == "" {
			return fmt.Errorf("--file must be provided")
		}

		from, to, err := parseRange(backfillFrom, backfillTo)
		if err != nil {
			return err
		}

		opts := app.BackfillOptions{
			File:   backfillFile,
			From:   from,
			To:     to,
			DryRun: backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFile, "file", "", "YAML observation file to import")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, exclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Validate against an in-memory store without writing")
}
