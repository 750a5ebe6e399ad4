package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"signal-engine/internal/app"
)

var (
	showLimit   int
	showAccount string
	showSegment string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display active alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			AccountID: showAccount,
			Segment:   showSegment,
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showAccount, "account", "", "Only alerts for this account")
	showCmd.Flags().StringVar(&showSegment, "segment", "", "Only alerts for this segment")
}
