package cli

import (
	"github.com/spf13/cobra"
)

var validateDir string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compile trigger and score type definitions without storing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Validate(cmd.OutOrStdout(), validateDir)
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateDir, "dir", "", "Definitions directory (defaults to definitions.dir)")
}
