// Package app assembles the process: adapters, stores, trackers, the tick
// pipeline, and the job loops that drive it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/sawpanic/crossarb/internal/alert"
	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/convergence"
	"github.com/sawpanic/crossarb/internal/domain"
	"github.com/sawpanic/crossarb/internal/fetch"
	"github.com/sawpanic/crossarb/internal/lagging"
	"github.com/sawpanic/crossarb/internal/metrics"
	"github.com/sawpanic/crossarb/internal/ops"
	"github.com/sawpanic/crossarb/internal/registry"
	"github.com/sawpanic/crossarb/internal/safety"
	"github.com/sawpanic/crossarb/internal/scheduler"
	"github.com/sawpanic/crossarb/internal/signal"
	"github.com/sawpanic/crossarb/internal/store"
	"github.com/sawpanic/crossarb/internal/store/postgres"
	"github.com/sawpanic/crossarb/internal/telegram"
	"github.com/sawpanic/crossarb/internal/track"
	"github.com/sawpanic/crossarb/internal/venue"
)

// defaultChartURL is the chart deep-link template; %s is the base symbol.
const defaultChartURL = "https://www.tradingview.com/chart/?symbol=%s"

// App is the assembled process.
type App struct {
	cfg     *config.Config
	log     zerolog.Logger
	version string

	kv        store.Store
	db        *sqlx.DB
	metrics   *metrics.Metrics
	messenger *telegram.Messenger

	tickers     *registry.Registry
	discovery   *registry.Discovery
	pipeline    *Pipeline
	convergence *convergence.Tracker
	watchdog    *alert.Watchdog
	ops         *ops.Server
	sched       *scheduler.Scheduler
}

// signalLegSource resolves a tracked signal's direction from the signals
// table; the convergence tracker needs it after a restart, when its
// in-memory leg cache is empty.
type signalLegSource struct {
	repo *postgres.SignalsRepo
}

func (s signalLegSource) SignalLegs(ctx context.Context, signalID string) (string, domain.VenueID, domain.VenueID, error) {
	row, err := s.repo.Get(ctx, signalID)
	if err != nil {
		return "", "", "", err
	}
	sig, err := row.Signal()
	if err != nil {
		return "", "", "", err
	}
	return sig.Symbol, sig.LowVenue, sig.HighVenue, nil
}

// loadSettings layers the settings:config hash from the shared store on top
// of the file+env block, so operator overrides outrank both. A malformed
// runtime value aborts startup; running on half-applied thresholds is worse
// than not starting.
func loadSettings(ctx context.Context, file *config.SettingsFile, kv store.Store) (config.Settings, error) {
	overrides, err := kv.HashGetAll(ctx, store.KeySettings)
	if err != nil {
		return config.Settings{}, fmt.Errorf("runtime settings: %w", err)
	}
	if len(overrides) > 0 {
		if err := file.Apply(overrides); err != nil {
			return config.Settings{}, fmt.Errorf("runtime settings: %w", err)
		}
	}
	if err := file.Validate(); err != nil {
		return config.Settings{}, err
	}
	return file.Resolve(), nil
}

// New builds the full production wiring: Redis, Postgres, the Telegram
// messenger, and every pipeline component. Nothing starts running until Run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, version string) (*App, error) {
	venues, limits, err := buildVenues(cfg.Venues, cfg.Fetcher)
	if err != nil {
		return nil, err
	}

	kv, err := store.NewRedisStore(ctx, store.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	settings, err := loadSettings(ctx, &cfg.Settings, kv)
	if err != nil {
		kv.Close()
		return nil, err
	}

	db, err := postgres.Connect(cfg.Postgres)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	messenger, err := telegram.New(cfg.Alerts.Telegram, cfg.Alerts.DryRun)
	if err != nil {
		kv.Close()
		db.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	m := metrics.New()
	tickers := registry.New()
	pool := fetch.NewPool(venues, cfg.Fetcher, limits)

	signalsRepo := postgres.NewSignalsRepo(db, cfg.Postgres.QueryTimeout)
	convergenceRepo := postgres.NewConvergenceRepo(db, cfg.Postgres.QueryTimeout)

	retryPolicy := venue.RetryPolicy{
		MaxAttempts:    cfg.Fetcher.Retry.MaxAttempts,
		InitialBackoff: cfg.Fetcher.Retry.InitialBackoff,
		Multiplier:     cfg.Fetcher.Retry.Multiplier,
		JitterFactor:   0.1,
	}
	tracker := convergence.New(
		convergenceRepo,
		signalLegSource{repo: signalsRepo},
		convergence.NewAdapterLegReader(venues, retryPolicy, cfg.Fetcher.BookDepth, settings.MaxSlippagePct),
		cfg.Convergence,
		m,
	)

	gate := alert.NewGate(kv, time.Duration(settings.AlertCooldownSeconds)*time.Second)
	dispatcher := alert.NewDispatcher(gate, messenger, signalsRepo, tracker, m, cfg.Alerts.Enabled)
	watchdog := alert.NewWatchdog(messenger, cfg.Alerts.WatchdogAfter)

	pipeline := NewPipeline(PipelineDeps{
		Venues:   venues,
		Tickers:  tickers,
		Pool:     pool,
		KV:       kv,
		Settings: settings,
		Lagging:  cfg.Lagging,
		SpreadAge: track.NewSpreadAge(kv),
		Depth: track.NewDepthHistory(kv, track.DepthHistoryConfig{
			SampleInterval: cfg.DepthTrack.SampleInterval,
			Capacity:       cfg.DepthTrack.Capacity,
			TTL:            time.Duration(cfg.DepthTrack.TTLSeconds) * time.Second,
		}),
		Detector:   lagging.NewDetector(cfg.Lagging),
		Validator:  safety.NewValidator(settings),
		Builder:    signal.NewBuilder(defaultChartURL),
		Dispatcher: dispatcher,
		Watchdog:   watchdog,
		Metrics:    m,
	})

	opsSrv := ops.NewServer(cfg.Ops, logger, version, m.Handler(),
		ops.CheckerFunc{Component: "redis", Fn: kv.Ping},
		ops.CheckerFunc{Component: "postgres", Fn: db.PingContext},
	)

	return &App{
		cfg:         cfg,
		log:         logger,
		version:     version,
		kv:          kv,
		db:          db,
		metrics:     m,
		messenger:   messenger,
		tickers:     tickers,
		discovery:   registry.NewDiscovery(venues, tickers, cfg.Symbols),
		pipeline:    pipeline,
		convergence: tracker,
		watchdog:    watchdog,
		ops:         opsSrv,
		sched:       scheduler.New(cfg.Scheduler.ErrorBackoff, m),
	}, nil
}

// Run validates the messaging channel, seeds the ticker registry, and drives
// the job loops until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.messenger.Validate(ctx); err != nil {
		return fmt.Errorf("telegram validation: %w", err)
	}

	valid, err := a.discovery.Run(ctx)
	if err != nil {
		return fmt.Errorf("initial discovery: %w", err)
	}
	a.log.Info().Int("tickers", valid).Msg("Ticker registry seeded")

	if err := a.registerJobs(); err != nil {
		return err
	}
	if err := a.ops.Start(); err != nil {
		return err
	}

	a.sched.Start(ctx)
	a.sched.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.ops.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("Ops server shutdown dirty")
	}
	return nil
}

// ScanOnce runs discovery plus a single monitor/analysis pass. The scan CLI
// command uses it for one-shot diagnostics.
func (a *App) ScanOnce(ctx context.Context) error {
	if _, err := a.discovery.Run(ctx); err != nil {
		return err
	}
	if err := a.pipeline.MonitorTick(ctx); err != nil {
		return err
	}
	return a.pipeline.AnalysisTick(ctx)
}

// Tickers exposes the registry for the pairs CLI command.
func (a *App) Tickers() *registry.Registry { return a.tickers }

// Discover refreshes the registry once.
func (a *App) Discover(ctx context.Context) (int, error) { return a.discovery.Run(ctx) }

func (a *App) registerJobs() error {
	sched := a.cfg.Scheduler
	jobs := []scheduler.Job{
		{Name: "price_monitor", Interval: sched.PriceMonitorInterval, Run: a.pipeline.MonitorTick},
		{Name: "book_analysis", Interval: sched.BookAnalysisInterval, Stagger: sched.PriceMonitorInterval / 2, Run: a.pipeline.AnalysisTick},
		{Name: "convergence", Interval: sched.ConvergenceInterval, Stagger: 30 * time.Second, Run: a.convergence.Tick},
		{Name: "watchdog", Interval: sched.WatchdogInterval, Stagger: time.Minute, Run: func(ctx context.Context) error {
			return a.watchdog.Check(ctx, a.pipeline.Healthy())
		}},
	}
	if a.cfg.Symbols.DiscoveryEnabled {
		jobs = append(jobs, scheduler.Job{
			Name:     "discovery",
			Interval: a.cfg.Symbols.DiscoveryInterval,
			Stagger:  a.cfg.Symbols.DiscoveryInterval,
			Run: func(ctx context.Context) error {
				_, err := a.discovery.Run(ctx)
				return err
			},
		})
	}
	for _, job := range jobs {
		if err := a.sched.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the store connections.
func (a *App) Close() {
	if err := a.kv.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Redis close failed")
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Postgres close failed")
	}
}
