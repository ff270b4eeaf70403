package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"dropstrike/internal/app"
)

var (
	purgeOlderThan time.Duration
	purgeDryRun    bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete attempt records older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeOlderThan <= 0 {
			return errors.New("--older-than must be greater than zero")
		}

		opts := app.PurgeOptions{
			OlderThan: purgeOlderThan,
			DryRun:    purgeDryRun,
		}
		return getApp().Purge(cmd.Context(), opts)
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Retention window, e.g. 720h")
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "Report what would be deleted without deleting")
}
