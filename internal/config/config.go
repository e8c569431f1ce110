// Package config loads the static YAML configuration and resolves the
// runtime-overridable settings with precedence runtime store > environment >
// file. Required settings missing at startup are a ConfigError and the
// process refuses to start.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError marks an invalid or incomplete configuration. Fatal at
// startup; runtime setting changes that fail validation are rejected with it
// as well.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
	}
	return "config: " + e.Reason
}

// Config is the full static configuration tree.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Log         LogConfig         `yaml:"log"`
	Venues      []VenueConfig     `yaml:"venues"`
	Symbols     SymbolsConfig     `yaml:"symbols"`
	Fetcher     FetcherConfig     `yaml:"fetcher"`
	Settings    SettingsFile      `yaml:"settings"`
	Lagging     LaggingConfig     `yaml:"lagging"`
	DepthTrack  DepthTrackConfig  `yaml:"depth_track"`
	Convergence ConvergenceConfig `yaml:"convergence"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Ops         OpsConfig         `yaml:"ops"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

// AppConfig names the deployment.
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"` // dev, staging, prod
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace..panic, default info
	Pretty bool   `yaml:"pretty"` // force console writer; TTY is auto-detected
}

// VenueConfig declares one venue adapter instance.
type VenueConfig struct {
	ID          string          `yaml:"id"`
	Kind        string          `yaml:"kind"` // binance_spot, bybit_spot, bybit_linear, static
	Type        string          `yaml:"type,omitempty"` // static kind only: cex_spot, cex_futures, dex_spot, perp_dex
	BaseURL     string          `yaml:"base_url,omitempty"`
	QuoteAsset  string          `yaml:"quote_asset,omitempty"`
	TakerFeePct float64         `yaml:"taker_fee_pct"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is the per-venue token bucket: sustained requests per
// second and burst capacity.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// SymbolsConfig controls the tracked universe.
type SymbolsConfig struct {
	Static            []string      `yaml:"static"` // seed symbols when discovery is off
	DiscoveryEnabled  bool          `yaml:"discovery_enabled"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	MaxSymbols        int           `yaml:"max_symbols"`
}

// FetcherConfig controls the fetch pool.
type FetcherConfig struct {
	MaxParallelVenues int           `yaml:"max_parallel_venues"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	BookDepth         int           `yaml:"book_depth"`
	Retry             RetryConfig   `yaml:"retry"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// RetryConfig is the transient-failure backoff policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// BreakerConfig is the per-venue circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// LaggingConfig controls the lagging-venue detector.
type LaggingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	MinCohort    int     `yaml:"min_cohort"`
	MinLagPct    float64 `yaml:"min_lag_pct"`
	PersistTicks int     `yaml:"persist_ticks"`
	MinNetPct    float64 `yaml:"min_net_pct"` // net-spread floor for lagging signals
}

// DepthTrackConfig controls the depth-history collector.
type DepthTrackConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	Capacity       int           `yaml:"capacity"`
	TTLSeconds     int           `yaml:"ttl_seconds"`
}

// ConvergenceConfig controls post-emission tracking.
type ConvergenceConfig struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	FloorPct             float64       `yaml:"floor_pct"`
	ConsecutiveChecks    int           `yaml:"consecutive_checks"`
	DivergenceMultiplier float64       `yaml:"divergence_multiplier"`
	MaxTrackingDuration  time.Duration `yaml:"max_tracking_duration"`
}

// AlertsConfig controls signal dispatch.
type AlertsConfig struct {
	Enabled          bool           `yaml:"enabled"`
	DryRun           bool           `yaml:"dry_run"`
	MaxAlertsPerHour int            `yaml:"max_alerts_per_hour"`
	WatchdogAfter    time.Duration  `yaml:"watchdog_after"` // silence before health warning
	Telegram         TelegramConfig `yaml:"telegram"`
}

// TelegramConfig is the messaging channel. Token and chat come from the
// environment in production; the file fields exist for development.
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token,omitempty"`
	ChatID   string        `yaml:"chat_id,omitempty"`
	BaseURL  string        `yaml:"base_url,omitempty"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig is the shared key-value store.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password,omitempty"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// PostgresConfig is the relational store.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password,omitempty"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DSN renders the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// OpsConfig is the read-only HTTP surface.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// SchedulerConfig sets job loop intervals.
type SchedulerConfig struct {
	PriceMonitorInterval time.Duration `yaml:"price_monitor_interval"`
	BookAnalysisInterval time.Duration `yaml:"book_analysis_interval"`
	ConvergenceInterval  time.Duration `yaml:"convergence_interval"`
	WatchdogInterval     time.Duration `yaml:"watchdog_interval"`
	ErrorBackoff         time.Duration `yaml:"error_backoff"`
}

// Default returns the configuration skeleton with operational defaults
// filled in. Threshold settings (the §settings block) carry no defaults
// here; Load requires them from file, environment, or the runtime store.
func Default() Config {
	return Config{
		App: AppConfig{Name: "crossarb", Environment: "dev"},
		Log: LogConfig{Level: "info"},
		Symbols: SymbolsConfig{
			DiscoveryInterval: 24 * time.Hour,
			MaxSymbols:        200,
		},
		Fetcher: FetcherConfig{
			MaxParallelVenues: 16,
			HTTPTimeout:       10 * time.Second,
			BookDepth:         100,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 500 * time.Millisecond,
				Multiplier:     2.0,
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 3,
				OpenTimeout:         30 * time.Second,
			},
		},
		Lagging: LaggingConfig{
			Enabled:      true,
			MinCohort:    4,
			MinLagPct:    2.0,
			PersistTicks: 3,
			MinNetPct:    1.0,
		},
		DepthTrack: DepthTrackConfig{
			SampleInterval: 3 * time.Minute,
			Capacity:       480,
			TTLSeconds:     86400,
		},
		Convergence: ConvergenceConfig{
			CheckInterval:        3 * time.Minute,
			FloorPct:             0.5,
			ConsecutiveChecks:    2,
			DivergenceMultiplier: 1.5,
			MaxTrackingDuration:  72 * time.Hour,
		},
		Alerts: AlertsConfig{
			Enabled:          true,
			MaxAlertsPerHour: 30,
			WatchdogAfter:    time.Hour,
			Telegram:         TelegramConfig{Timeout: 30 * time.Second},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "crossarb",
			Database:        "crossarb",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Ops: OpsConfig{Enabled: true, Host: "127.0.0.1", Port: 8087},
		Scheduler: SchedulerConfig{
			PriceMonitorInterval: 5 * time.Second,
			BookAnalysisInterval: 30 * time.Second,
			ConvergenceInterval:  3 * time.Minute,
			WatchdogInterval:     5 * time.Minute,
			ErrorBackoff:         60 * time.Second,
		},
	}
}

// Load reads the YAML file over the defaults and applies environment
// overrides to the settings block. The returned config has passed Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	if err := cfg.Settings.applyEnv(); err != nil {
		return nil, err
	}
	// Credentials come from the environment in production deployments.
	if v := os.Getenv("CROSSARB_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Alerts.Telegram.BotToken = v
	}
	if v := os.Getenv("CROSSARB_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Alerts.Telegram.ChatID = v
	}
	if v := os.Getenv("CROSSARB_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CROSSARB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces structural requirements and the presence of all
// required settings.
func (c *Config) Validate() error {
	if len(c.Venues) < 2 {
		return &ConfigError{Key: "venues", Reason: "at least two venues required"}
	}
	seen := make(map[string]bool)
	for i, v := range c.Venues {
		if v.ID == "" {
			return &ConfigError{Key: fmt.Sprintf("venues[%d].id", i), Reason: "missing"}
		}
		if seen[v.ID] {
			return &ConfigError{Key: "venues", Reason: "duplicate venue id " + v.ID}
		}
		seen[v.ID] = true
		if v.RateLimit.RPS <= 0 {
			return &ConfigError{Key: "venues." + v.ID + ".rate_limit.rps", Reason: "must be positive"}
		}
	}
	if c.Fetcher.MaxParallelVenues <= 0 {
		return &ConfigError{Key: "fetcher.max_parallel_venues", Reason: "must be positive"}
	}
	return c.Settings.Validate()
}
