package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent strike attempts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show attempts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	attempts, err := store.ListRecentAttempts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(os.Stdout, "no attempts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Finished (UTC)\tOutcome\tSource\tListing\tCategory\tPrice\tFingerprint\tWorker\tError")

	for _, attempt := range attempts {
		errMsg := ""
		if attempt.Error != nil {
			errMsg = sanitizeInline(*attempt.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			attempt.FinishedAt.UTC().Format(time.RFC3339),
			attempt.Outcome,
			attempt.Source,
			attempt.Listing,
			attempt.Category,
			attempt.Price.StringFixed(2),
			shortFingerprint(attempt.Fingerprint),
			shortFingerprint(attempt.WorkerID),
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func shortFingerprint(v string) string {
	if len(v) <= 12 {
		return v
	}
	return v[:12]
}
