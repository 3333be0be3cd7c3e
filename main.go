package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/api"
	"ai-trading-engine/internal/auth"
	"ai-trading-engine/internal/cache"
	"ai-trading-engine/internal/database"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/marketdata"
	"ai-trading-engine/internal/notification"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/signals"
	"ai-trading-engine/internal/trader"
	"ai-trading-engine/internal/vault"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init-config" {
		path := "config.json"
		if len(os.Args) > 2 {
			path = os.Args[2]
		}
		if err := config.GenerateSampleConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sample configuration written to %s\n", path)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig)
	logging.SetDefault(logger)
	log := logging.Component(logger, "Main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := vault.LoadSecrets(ctx, cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("Failed to load secrets from vault")
	}

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("Engine stopped with error")
	}
	log.Info().Msg("Engine stopped")
}

// run wires the engine and blocks until ctx is cancelled or the HTTP server
// fails
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	log := logging.Component(logger, "Main")
	bus := events.NewEventBus()
	checks := make(map[string]api.HealthCheckFunc)
	stats := make(map[string]api.StatsFunc)
	notification.NewManager(cfg.NotifyConfig, logger).Attach(bus)

	// Persistence: Postgres when configured, memory otherwise
	var (
		store       trader.Store
		trades      api.TradeLister
		patternRepo patterns.Repository
	)
	if cfg.DatabaseConfig.Host != "" {
		db, err := database.NewDB(ctx, cfg.DatabaseConfig.DSN(), cfg.DatabaseConfig.MaxConns, logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		repo := database.NewRepository(db)
		store, trades, patternRepo = repo, repo, repo
		checks["database"] = db.HealthCheck
	} else {
		mem := trader.NewMemoryStore()
		store, trades = mem, mem
		log.Warn().Msg("No database configured, state is kept in memory")
	}

	// Candle cache: Redis tier when enabled, memory tier always
	var remote cache.Store
	if cfg.RedisConfig.Enabled {
		cs, err := cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer cs.Close()
		remote = cs
		checks["redis"] = cs.Ping
		stats["redis"] = func() interface{} { return cs.GetStats() }
	}

	paper := exchange.NewPaperClient(cfg.ExchangeConfig.PaperConfig())
	guarded := exchange.NewGuardedClient(paper, cfg.ExchangeConfig.GuardConfig())
	registry := exchange.NewRegistry()
	registry.Register(cache.NewCandleCache(guarded, remote, cfg.RedisConfig.TTL, logger))

	// Patterns
	patternService := patterns.NewService(cfg.PatternConfig.Patterns(), patternRepo, bus, logger)
	if n, err := patternService.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to load stored patterns")
	} else {
		log.Info().Int("patterns", n).Msg("Patterns loaded")
	}
	learner := patterns.NewLearner(cfg.PatternConfig.Learner, patternService, bus, logger)

	if cfg.PatternConfig.PruneSchedule != "" {
		maintenance, err := patterns.NewMaintenance(patternService, cfg.PatternConfig.PruneSchedule, cfg.PatternConfig.Prune, logger)
		if err != nil {
			return fmt.Errorf("schedule pattern pruning: %w", err)
		}
		maintenance.Start()
		defer maintenance.Stop()
	}

	riskManager, err := risk.NewManager(cfg.RiskConfig, bus, logger)
	if err != nil {
		return fmt.Errorf("init risk manager: %w", err)
	}

	manager, err := trader.NewManager(ctx, cfg.EngineConfig, trader.ManagerDeps{
		Exchanges: registry,
		Processor: marketdata.NewProcessor(logger),
		Generator: signals.NewGenerator(cfg.SignalConfig, patternService, bus, logger),
		Risk:      riskManager,
		Learner:   learner,
		Store:     store,
		Bus:       bus,
	}, logger)
	if err != nil {
		return fmt.Errorf("init trader manager: %w", err)
	}
	if budget, err := manager.SyncBudget(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to read exchange balance, keeping configured budget")
	} else {
		log.Info().Float64("budget", budget).Msg("Risk budget synced with exchange balance")
	}
	if n, err := manager.LoadTraders(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore traders")
	} else {
		log.Info().Int("traders", n).Msg("Traders restored")
	}
	go manager.Run(ctx)

	authService, err := auth.NewService(cfg.AuthConfig, auth.DefaultBcryptCost, logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	server := api.NewServer(cfg.ServerConfig, cfg.MetricsConfig, api.Deps{
		Traders:      manager,
		Risk:         riskManager,
		Patterns:     patternService,
		Trades:       trades,
		Auth:         authService,
		Bus:          bus,
		Checks:       checks,
		Stats:        stats,
		DefaultPrune: cfg.PatternConfig.Prune,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-serverErr:
	}

	timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Trader shutdown incomplete")
	}
	return runErr
}
