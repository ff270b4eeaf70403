package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dropstrike/internal/audit"
	"dropstrike/internal/config"
	"dropstrike/internal/dedup"
	"dropstrike/internal/engine"
	"dropstrike/internal/notify"
	"dropstrike/internal/pool"
	"dropstrike/internal/ratelimit"
	"dropstrike/internal/source"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newTable() *dedup.Table {
	return dedup.NewTable(dedup.Options{
		CategoryTiers:    a.Config.Dedup.CategoryTiers,
		TierWeight:       a.Config.Dedup.TierWeight,
		FreshnessWeight:  a.Config.Dedup.FreshnessWeight,
		ConfidenceWeight: a.Config.Dedup.ConfidenceWeight,
		FreshnessHorizon: a.Config.Dedup.FreshnessHorizon,
	}, a.Logger)
}

func (a *App) newLimiter() *ratelimit.Limiter {
	return ratelimit.New(a.Config.RateLimit.Config, a.Config.RateLimit.Endpoints, a.Logger)
}

func (a *App) newSource() source.Source {
	return source.NewHTTPSource(source.HTTPOptions{
		URL:       a.Config.Source.URL,
		Endpoint:  a.Config.Source.Endpoint,
		UserAgent: a.Config.Source.UserAgent,
		Timeout:   a.Config.Source.RequestTimeout,
	}, a.Logger)
}

func (a *App) newExecutor() source.Executor {
	return source.NewWebhookExecutor(source.WebhookOptions{
		URL:       a.Config.Executor.WebhookURL,
		UserAgent: a.Config.Executor.UserAgent,
		Timeout:   a.Config.Executor.RequestTimeout,
	}, a.Logger)
}

func (a *App) newFactory() (pool.Factory, error) {
	if len(a.Config.Pool.SpawnCommand) == 0 {
		return nil, fmt.Errorf("pool.spawn_command 必须配置")
	}
	return pool.NewProcessFactory(a.Config.Pool.SpawnCommand, a.Logger), nil
}

// newSink fans events out to the structured log plus any configured channels.
func (a *App) newSink() notify.Sink {
	sinks := notify.Fanout{notify.NewLogSink(a.Logger)}
	if a.Config.Notify.Telegram.Enabled {
		tg := a.Config.Notify.Telegram
		sinks = append(sinks, notify.NewTelegramSink(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
	}
	return sinks
}

func (a *App) openStore(ctx context.Context) (*audit.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pgpool, err := audit.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := audit.NewStore(pgpool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running hunting engine.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; attempt log disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	factory, err := a.newFactory()
	if err != nil {
		return err
	}

	var attempts audit.AttemptStore
	if store != nil {
		attempts = store
	}

	eng := engine.New(
		a.Config,
		a.newTable(),
		a.newLimiter(),
		factory,
		pool.ProcessSampler{},
		a.newSource(),
		a.newExecutor(),
		a.newSink(),
		attempts,
		a.Logger,
	)

	a.Logger.Info().Msg("starting hunting engine")
	err = eng.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("hunting engine stopped")
	return nil
}

// ExportOptions hold parameters for exporting the attempt history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure the dry-run exercise.
type SimulateOptions struct {
	Opportunities int
	Duration      time.Duration
}

// PurgeOptions configure attempt-log retention trimming.
type PurgeOptions struct {
	OlderThan time.Duration
	DryRun    bool
}
