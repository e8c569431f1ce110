// crossarb scans cross-venue spot/derivative spreads and alerts on
// executable dislocations. The run command is the long-lived daemon; scan
// and pairs are one-shot diagnostics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/crossarb/internal/app"
	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
)

const (
	appName = "crossarb"
	version = "v1.3.0"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cross-venue arbitrage scanner and alerting pipeline",
		Version: version,
		Long: `crossarb watches the same base asset across CEX spot, CEX futures, and
DEX venues, ranks executable spreads net of fees and slippage, validates
candidates against a fixed safety battery, and emits alerts over Telegram.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Path to YAML config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scanning daemon",
		Long:  "Start every job loop (discovery, price monitor, book analysis, convergence, watchdog) and the ops endpoint, until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one discovery + monitor + analysis pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app.App) error {
				return a.ScanOnce(ctx)
			})
		},
	}

	pairsCmd := &cobra.Command{
		Use:   "pairs",
		Short: "Discover tickers and print the enumerated arbitrage pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app.App) error {
				valid, err := a.Discover(ctx)
				if err != nil {
					return err
				}
				pairs := a.Tickers().AllPairs()
				domain.SortPairs(pairs)
				for _, p := range pairs {
					fmt.Printf("%-40s %s <-> %s\n", p.PairID, p.VenueA, p.VenueB)
				}
				fmt.Printf("%d pairs across %d valid tickers\n", len(pairs), valid)
				return nil
			})
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the crossarb version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, scanCmd, pairsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config, sets up logging, builds the app, and tears it down
// when fn returns or the process is signalled.
func withApp(configPath string, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info().
		Str("version", version).
		Str("environment", cfg.App.Environment).
		Int("venues", len(cfg.Venues)).
		Msg("crossarb starting")
	return fn(ctx, a)
}

// setupLogging configures zerolog: JSON to stderr in production, console
// writer when attached to a TTY or forced by config.
func setupLogging(cfg config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty || term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
