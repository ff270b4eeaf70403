package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Purge trims the attempt log down to the retention window.
func (a *App) Purge(ctx context.Context, opts PurgeOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than 必须大于零")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法清理")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cutoff := time.Now().UTC().Add(-opts.OlderThan)

	before, err := store.CountAttempts(ctx)
	if err != nil {
		return err
	}

	if opts.DryRun {
		a.Logger.Warn().Time("cutoff", cutoff).Msg("清理 dry-run：不会删除记录")
		fmt.Fprintf(os.Stdout, "%d attempts total; records finished before %s would be deleted\n", before, cutoff.Format(time.RFC3339))
		return nil
	}

	if err := store.DeleteAttemptsBefore(ctx, cutoff); err != nil {
		return err
	}

	after, err := store.CountAttempts(ctx)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int64("deleted", before-after).
		Int64("remaining", after).
		Time("cutoff", cutoff).
		Msg("清理完成")
	return nil
}
