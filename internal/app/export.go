package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"dropstrike/internal/audit"
)

const defaultExportPoints = 500

// Export renders the attempt history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	if opts.MaxPoints <= 0 {
		opts.MaxPoints = defaultExportPoints
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	attempts, err := store.ListAttemptsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		a.Logger.Info().Msg("no attempts found for export window")
		return nil
	}

	downsampled := downsampleAttempts(attempts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(attempts)).Int("exported", len(downsampled)).Msg("exporting attempts")

	if opts.CSVPath != "" {
		if err := writeAttemptsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAttemptsPNG(opts.PNGPath, attempts, from, to); err != nil {
			return err
		}
	}

	return nil
}

func downsampleAttempts(attempts []audit.Attempt, max int) []audit.Attempt {
	if max <= 0 || len(attempts) <= max {
		return attempts
	}

	result := make([]audit.Attempt, 0, max)
	step := float64(len(attempts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(attempts) {
			idx = len(attempts) - 1
		}
		result = append(result, attempts[idx])
	}
	return result
}

func writeAttemptsCSV(path string, attempts []audit.Attempt) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"finished_at", "outcome", "fingerprint", "worker_id", "resource_id", "source", "listing", "category", "price", "token", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, attempt := range attempts {
		token := ""
		if attempt.Token != nil {
			token = *attempt.Token
		}
		errMsg := ""
		if attempt.Error != nil {
			errMsg = *attempt.Error
		}
		record := []string{
			attempt.FinishedAt.Format(time.RFC3339),
			attempt.Outcome,
			attempt.Fingerprint,
			attempt.WorkerID,
			attempt.ResourceID,
			attempt.Source,
			attempt.Listing,
			attempt.Category,
			attempt.Price.String(),
			token,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeAttemptsPNG charts per-bucket outcome counts over the export window.
func writeAttemptsPNG(path string, attempts []audit.Attempt, from, to time.Time) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	const buckets = 120
	width := to.Sub(from) / buckets
	if width < time.Minute {
		width = time.Minute
	}

	n := int(to.Sub(from)/width) + 1
	x := make([]time.Time, n)
	won := make([]float64, n)
	lost := make([]float64, n)
	failed := make([]float64, n)
	for i := range x {
		x[i] = from.Add(time.Duration(i) * width)
	}

	for _, attempt := range attempts {
		idx := int(attempt.FinishedAt.Sub(from) / width)
		if idx < 0 || idx >= n {
			continue
		}
		switch attempt.Outcome {
		case audit.OutcomeWon:
			won[idx]++
		case audit.OutcomeLost:
			lost[idx]++
		default:
			failed[idx]++
		}
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Attempts",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Won",
				XValues: x,
				YValues: won,
			},
			chart.TimeSeries{
				Name:    "Lost",
				XValues: x,
				YValues: lost,
			},
			chart.TimeSeries{
				Name:    "Failed",
				XValues: x,
				YValues: failed,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
