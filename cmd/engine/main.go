// Command engine runs the prediction-market trading engine: it discovers
// markets, streams their books, dispatches ticks to the configured
// strategies, and executes their intents on paper or live against the CLOB.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polymarket-engine/internal/config"
	"polymarket-engine/internal/engine"
	"polymarket-engine/internal/exchange"
	"polymarket-engine/internal/executor"
	"polymarket-engine/internal/ledger"
	"polymarket-engine/internal/market"
	"polymarket-engine/internal/notify"
	"polymarket-engine/internal/position"
	"polymarket-engine/internal/router"
	"polymarket-engine/internal/state"
	"polymarket-engine/internal/storage"
	"polymarket-engine/internal/strategy"
	"polymarket-engine/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	l := ledger.New(db, logger)
	store := position.NewStore(db, l, logger)
	st := state.NewManager(store, l, logger)
	catalog := market.NewCatalog(*cfg, logger)

	enabled := engine.EnabledStrategyConfigs(cfg)
	if len(enabled) == 0 {
		return fmt.Errorf("no strategies enabled")
	}

	var strategies []strategy.Strategy
	var imbalance *strategy.Imbalance
	var imbalanceCfg config.StrategyConfig
	for _, scfg := range enabled {
		if err := l.EnsureStrategy(ctx, scfg.Name, scfg.AllocatedUSD); err != nil {
			return err
		}
		s, err := strategy.New(scfg, logger)
		if err != nil {
			return err
		}
		strategies = append(strategies, s)
		if imb, ok := s.(*strategy.Imbalance); ok {
			imbalance = imb
			imbalanceCfg = scfg
		}
		logger.Info("strategy registered",
			"strategy", scfg.Name, "version", s.Version(),
			"allocated_usd", scfg.AllocatedUSD, "live", scfg.Live)
	}

	// Live trading needs the signed CLOB client; pure paper runs without it.
	var (
		client *exchange.Client
		live   executor.Venue
		fees   executor.FeeSource
	)
	if anyLive(enabled) {
		auth, err := exchange.NewAuth(*cfg)
		if err != nil {
			return err
		}
		client = exchange.NewClient(*cfg, auth, logger)
		if !auth.HasL2Credentials() {
			if _, err := client.DeriveAPIKey(ctx); err != nil {
				return fmt.Errorf("derive api key: %w", err)
			}
		}
		live = executor.NewLive(client, cfg.Execution, logger)
		fees = client
	}

	var notifier executor.Notifier
	if tg := notify.NewTelegram(cfg.Telegram, logger); tg != nil {
		notifier = tg
	}

	v := executor.NewValidator(db, st, store, cfg.Execution, fees, logger)
	exec := executor.New(db, store, st, v, executor.NewPaper(logger), live, enabled, notifier, logger)
	r := router.New(db, catalog, store, st, l, exec, strategies, cfg.Engine, logger)

	var streamPath *stream.Stream
	if imbalance != nil {
		streamPath = stream.New(db, catalog, st, exec, imbalance, imbalanceCfg, logger)
	}

	// Live mode adopts any on-chain holdings the database does not know
	// about before trading starts.
	if client != nil {
		if err := catalog.Refresh(ctx); err != nil {
			return err
		}
		if err := executor.ReconcileWallet(ctx, client, store, catalog, logger); err != nil {
			logger.Error("wallet reconciliation failed", "error", err)
		}
	}

	feed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	eng := engine.New(cfg, feed, catalog, r, streamPath, logger)

	logger.Info("engine starting",
		"strategies", len(strategies), "paper", cfg.Paper, "dry_run", cfg.DryRun)
	return eng.Run(ctx)
}

func anyLive(strategies []config.StrategyConfig) bool {
	for _, s := range strategies {
		if s.Live {
			return true
		}
	}
	return false
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
