package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"signal-engine/internal/app"
)

var simulateScenario string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "回放场景文件，在内存中模拟告警与工作流",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateScenario == "" {
			return errors.New("--scenario 必须提供")
		}
		sc, err := app.LoadScenario(simulateScenario)
		if err != nil {
			return err
		}
		res, err := getApp().Simulate(cmd.Context(), sc)
		if err != nil {
			return err
		}
		return app.WriteSimulation(cmd.OutOrStdout(), res)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateScenario, "scenario", "", "场景 YAML 文件路径")
}
