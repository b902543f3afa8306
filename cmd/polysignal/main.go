package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/web3guy0/polysignal/backtest"
	"github.com/web3guy0/polysignal/bot"
	"github.com/web3guy0/polysignal/core"
	"github.com/web3guy0/polysignal/exec"
	"github.com/web3guy0/polysignal/execution"
	"github.com/web3guy0/polysignal/feeds"
	"github.com/web3guy0/polysignal/internal/config"
	"github.com/web3guy0/polysignal/storage"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "polysignal",
		Usage:   "Multi-strategy signal engine for 15-minute Up/Down windows",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging", EnvVars: []string{"DEBUG"}},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "poll the live window (paper trading unless --live)",
				Action: runEngine,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "live", Usage: "place real orders"},
				},
			},
			{
				Name:   "backtest",
				Usage:  "replay a kline CSV through the engine",
				Action: runBacktest,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "candles", Usage: "CSV of open_time,open,high,low,close,volume", Required: true},
					&cli.DurationFlag{Name: "interval", Usage: "candle interval", Value: time.Minute},
					&cli.BoolFlag{Name: "record", Usage: "write the replay to DATABASE_URL"},
				},
			},
			{
				Name:   "trades",
				Usage:  "print recorded trades and lifetime totals from DATABASE_URL",
				Action: runTrades,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "how many closes to show", Value: 20},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("polysignal failed")
	}
}

func setupLogging(c *cli.Context) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if c.Bool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.Live = cfg.Live || c.Bool("live")
	if c.Command.Name != "run" {
		cfg.Live = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUN
// ═══════════════════════════════════════════════════════════════════════════════

func runEngine(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	mode := "PAPER"
	if cfg.Live {
		mode = "LIVE"
	}
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("              POLYSIGNAL %s - %s MODE", version, mode)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Features
	builder, err := feeds.NewFeatureBuilder(cfg.Indicators, feeds.NewRegimeDetector(cfg.Regime))
	if err != nil {
		return err
	}
	feed, err := feeds.NewKlineFeed(cfg.Kline, builder)
	if err != nil {
		return err
	}
	if err := feed.Start(ctx); err != nil {
		return fmt.Errorf("start kline feed: %w", err)
	}
	defer feed.Stop()
	log.Info().Msg("✅ Kline feed initialized")

	// 2. Markets
	scanner := feeds.NewWindowScanner(cfg.Scanner, feed)
	log.Info().Msg("✅ Window scanner initialized")

	deps := core.Deps{Features: feed, Markets: scanner}

	// 3. Execution
	if cfg.Live {
		client, err := exec.NewClient(cfg.Exec)
		if err != nil {
			return err
		}
		executor, err := execution.NewExecutor(client, cfg.Executor)
		if err != nil {
			return err
		}
		deps.Orders = executor
		log.Info().Bool("dry_run", client.IsDryRun()).Msg("✅ Execution layer initialized")
	}

	// 4. Storage
	var db *storage.Database
	if cfg.DatabaseURL != "" {
		db, err = storage.New(cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("Database connection failed, continuing without persistence")
		} else {
			defer db.Close()
			deps.Recorder = db
			if total, err := db.TotalPnL(ctx); err == nil {
				log.Info().Str("lifetime_pnl", "$"+total.StringFixed(2)).Msg("✅ Storage layer initialized")
			}
		}
	}

	// 5. Telegram
	var tg *bot.TelegramBot
	if cfg.TelegramEnabled() {
		tg, err = bot.NewTelegramBot(cfg.Telegram)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram bot failed, continuing without notifications")
		} else {
			deps.Notifier = tg
		}
	}

	// 6. Engine
	engine, err := core.Build(cfg.Settings, deps, time.Now())
	if err != nil {
		return err
	}
	if tg != nil {
		tg.SetProvider(engine)
		if db != nil {
			tg.SetHistory(db)
		}
		tg.Start()
		defer tg.Stop()
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// LOOP & SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	runErr := engine.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("Engine loop failed")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	report, err := engine.Stop(stopCtx)
	if err != nil {
		return err
	}
	fmt.Println(report.String())
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BACKTEST
// ═══════════════════════════════════════════════════════════════════════════════

func runBacktest(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	candles, err := backtest.LoadCandles(c.String("candles"))
	if err != nil {
		return err
	}

	btCfg := backtest.DefaultConfig()
	btCfg.Asset = cfg.Kline.Asset
	btCfg.Interval = c.Duration("interval")
	btCfg.Window = cfg.Scanner.Window
	btCfg.History = cfg.Kline.History
	btCfg.Indicators = cfg.Indicators
	btCfg.Regime = cfg.Regime

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var recorder core.Recorder
	if c.Bool("record") {
		if cfg.DatabaseURL == "" {
			return errors.New("--record needs DATABASE_URL")
		}
		db, err := storage.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		recorder = db
	}

	res, err := backtest.Run(ctx, cfg.Settings, btCfg, candles, recorder)
	if res != nil {
		fmt.Println(res.String())
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
