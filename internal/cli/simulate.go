package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"dropstrike/internal/app"
)

var (
	simulateCount    int
	simulateDuration time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用合成机会流演练一次完整的抢购流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCount <= 0 {
			return errors.New("--opportunities 必须大于 0")
		}

		opts := app.SimulateOptions{
			Opportunities: simulateCount,
			Duration:      simulateDuration,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateCount, "opportunities", 10, "合成机会数量")
	simulateCmd.Flags().DurationVar(&simulateDuration, "duration", 10*time.Second, "演练时长")
}
