package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/batchpilot/internal/archive"
	"github.com/kiranshivaraju/batchpilot/internal/cache"
	"github.com/kiranshivaraju/batchpilot/internal/config"
	"github.com/kiranshivaraju/batchpilot/internal/engine"
	"github.com/kiranshivaraju/batchpilot/internal/observability"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/internal/provider/openai"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/circuitbreaker"
)

// app holds every long-lived component shared by the serve and run commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool           *pgxpool.Pool
	store          *store.PostgresStore
	cache          *cache.RedisCache
	archive        archive.Archive
	metrics        *observability.Metrics
	metricsHandler http.Handler
	remote         *provider.GuardedClient
	engine         *engine.Engine
	driver         *engine.Driver
}

// loadConfig reads the config, applies any command-line overrides and
// installs a logger at the resulting level.
func loadConfig(overrides ...func(*config.Config)) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	for _, override := range overrides {
		override(cfg)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.pool, err = store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")
	a.store = store.NewPostgresStore(a.pool)

	a.cache, err = cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := a.cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	a.archive, err = archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	logger.Info("artifact archive ready", "enabled", cfg.Archive.Enabled(), "bucket", cfg.Archive.Bucket)

	a.metrics, a.metricsHandler, err = observability.NewMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Threshold: cfg.Provider.BreakerThreshold,
		Cooldown:  cfg.Provider.BreakerCooldown,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("provider circuit breaker changed state", "from", from.String(), "to", to.String())
			a.metrics.RecordBreakerState(context.Background(), int64(to))
		},
	})
	a.remote = provider.NewGuardedClient(openai.NewHTTPClient(cfg.Provider, logger), breaker)
	logger.Info("provider client initialized", "base_url", cfg.Provider.BaseURL)

	a.engine = engine.New(engine.Deps{
		Store:    a.store,
		Remote:   a.remote,
		Locks:    a.cache,
		Statuses: a.cache,
		Archive:  a.archive,
		Metrics:  a.metrics,
		Logger:   logger,
	}, engine.Config{
		CompletionWindow: cfg.Provider.CompletionWindow,
		LockTTL:          cfg.Batch.LockTTL,
		StaleAfter:       cfg.Batch.StaleAfter,
	})
	a.driver = engine.NewDriver(a.engine, a.remote, engine.DriverConfig{
		PageSize:  cfg.Batch.PageSize,
		PollDelay: cfg.Batch.PollDelay,
		Workers:   cfg.Batch.Workers,
		LockTTL:   cfg.Batch.LockTTL,
	})

	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
