package cli

import (
	"github.com/spf13/cobra"

	"signal-engine/internal/app"
)

var backfillJobs []string

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run periodic jobs once against stored history",
	Long:  "Runs the named jobs (baseline-recompute, anomaly-sweep, sla-check, maintenance) once, in order. Defaults to baseline-recompute then anomaly-sweep.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Backfill(cmd.Context(), app.BackfillOptions{Jobs: backfillJobs})
	},
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillJobs, "job", nil, "Job to run; repeatable")
}
