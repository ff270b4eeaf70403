package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"dropstrike/internal/logging"
	"dropstrike/internal/ratelimit"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Pool      PoolConfig      `mapstructure:"pool"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Source    SourceConfig    `mapstructure:"source"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the optional
// strike-attempt audit log.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// PoolConfig bounds the worker resource pool.
type PoolConfig struct {
	Size          int           `mapstructure:"size"`
	MaxAge        time.Duration `mapstructure:"worker_max_age"`
	MaxIdle       time.Duration `mapstructure:"worker_max_idle"`
	MaxMemoryMB   float64       `mapstructure:"worker_max_memory_mb"`
	TotalMemoryMB float64       `mapstructure:"total_memory_mb"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
	SpawnCommand  []string      `mapstructure:"spawn_command"`
}

// RateLimitConfig is the default pacing plus per-endpoint overrides.
type RateLimitConfig struct {
	ratelimit.Config `mapstructure:",squash"`
	Endpoints        map[string]ratelimit.Override `mapstructure:"endpoints"`
}

// SchedulerConfig governs dispatch and retry policy.
type SchedulerConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	JitterPct         float64       `mapstructure:"jitter_pct"`
	MaxPending        int           `mapstructure:"max_pending"`
}

// DedupConfig tunes opportunity scoring.
type DedupConfig struct {
	CategoryTiers    map[string]string `mapstructure:"category_tiers"`
	TierWeight       float64           `mapstructure:"tier_weight"`
	FreshnessWeight  float64           `mapstructure:"freshness_weight"`
	ConfidenceWeight float64           `mapstructure:"confidence_weight"`
	FreshnessHorizon time.Duration     `mapstructure:"freshness_horizon"`
	StaleAfter       time.Duration     `mapstructure:"stale_after"`
}

// SourceConfig points at the sighting feed.
type SourceConfig struct {
	URL            string        `mapstructure:"url"`
	Endpoint       string        `mapstructure:"endpoint"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// ExecutorConfig points at the strike webhook.
type ExecutorConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// NotifyConfig routes the event stream.
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DROPSTRIKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dropstrike")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.worker_max_age", "30m")
	v.SetDefault("pool.worker_max_idle", "5m")
	v.SetDefault("pool.worker_max_memory_mb", 1024.0)
	v.SetDefault("pool.total_memory_mb", 4096.0)
	v.SetDefault("pool.reap_interval", "30s")

	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.max_requests", 30)
	v.SetDefault("ratelimit.min_interval", "2s")
	v.SetDefault("ratelimit.max_interval", "10s")
	v.SetDefault("ratelimit.burst_max_requests", 5)
	v.SetDefault("ratelimit.burst_min_interval", "200ms")
	v.SetDefault("ratelimit.burst_cooldown", "30s")
	v.SetDefault("ratelimit.failure_threshold", 3)
	v.SetDefault("ratelimit.backoff_base", "1s")
	v.SetDefault("ratelimit.backoff_multiplier", 2.0)
	v.SetDefault("ratelimit.max_backoff", "5m")
	v.SetDefault("ratelimit.jitter_pct", 0.15)

	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.base_delay", "500ms")
	v.SetDefault("scheduler.backoff_multiplier", 2.0)
	v.SetDefault("scheduler.jitter_pct", 0.2)
	v.SetDefault("scheduler.max_pending", 1000)

	v.SetDefault("dedup.tier_weight", 0.5)
	v.SetDefault("dedup.freshness_weight", 0.3)
	v.SetDefault("dedup.confidence_weight", 0.2)
	v.SetDefault("dedup.freshness_horizon", "2m")
	v.SetDefault("dedup.stale_after", "90s")

	v.SetDefault("source.endpoint", "source")
	v.SetDefault("source.user_agent", "dropstrike/1.0")
	v.SetDefault("source.request_timeout", "10s")
	v.SetDefault("source.poll_interval", "3s")

	v.SetDefault("executor.user_agent", "dropstrike/1.0")
	v.SetDefault("executor.request_timeout", "15s")

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be greater than zero")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be greater than zero")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("ratelimit.max_requests must be greater than zero")
	}
	if c.RateLimit.JitterPct < 0 || c.RateLimit.JitterPct >= 1 {
		return fmt.Errorf("ratelimit.jitter_pct must be in [0, 1)")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries cannot be negative")
	}
	if c.Scheduler.BaseDelay <= 0 {
		return fmt.Errorf("scheduler.base_delay must be greater than zero")
	}
	if c.Scheduler.BackoffMultiplier < 1 {
		return fmt.Errorf("scheduler.backoff_multiplier must be at least 1")
	}
	if c.Source.PollInterval <= 0 {
		return fmt.Errorf("source.poll_interval must be greater than zero")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token 必须配置")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id 必须配置")
		}
	}
	return nil
}
