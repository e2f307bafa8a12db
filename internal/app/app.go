// Package app provides the top-level application lifecycle for the strategy
// worker. It wires the stores, task bus, sandbox, and engine, then consumes
// tasks off the Redis stream one at a time until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/quantora/strategyworker/internal/blob/s3"
	redisc "github.com/quantora/strategyworker/internal/cache/redis"
	"github.com/quantora/strategyworker/internal/config"
	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/engine"
	"github.com/quantora/strategyworker/internal/execctx"
	"github.com/quantora/strategyworker/internal/marketdata"
	"github.com/quantora/strategyworker/internal/sandbox"
	"github.com/quantora/strategyworker/internal/script"
	"github.com/quantora/strategyworker/internal/store/postgres"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	engine     *engine.Engine
	validator  *script.Validator
	bus        domain.TaskBus
	strategies domain.StrategyStore
	executions domain.ExecutionStore
	archiver   domain.ArtifactArchiver

	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies and consumes the task stream until the context
// is cancelled. On return the App still needs Close to release resources.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting worker",
		slog.String("task_stream", a.cfg.Worker.TaskStream),
		slog.String("log_level", a.cfg.LogLevel),
	)

	if err := a.wire(ctx); err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}

	return a.consume(ctx)
}

// wire connects the database, Redis, optional S3 archival, and builds the
// accessor/sandbox/engine stack on top.
func (a *App) wire(ctx context.Context) error {
	db, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      a.cfg.Database.DSN,
		Host:     a.cfg.Database.Host,
		Port:     a.cfg.Database.Port,
		Database: a.cfg.Database.Database,
		User:     a.cfg.Database.User,
		Password: a.cfg.Database.Password,
		SSLMode:  a.cfg.Database.SSLMode,
		MaxConns: a.cfg.Database.PoolMaxConns,
		MinConns: a.cfg.Database.PoolMinConns,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, db.Close)

	if a.cfg.Database.RunMigrations {
		if err := db.RunMigrations(ctx); err != nil {
			return err
		}
	}

	rc, err := redisc.New(ctx, redisc.ClientConfig{
		Addr:       a.cfg.Redis.Addr,
		Password:   a.cfg.Redis.Password,
		DB:         a.cfg.Redis.DB,
		PoolSize:   a.cfg.Redis.PoolSize,
		MaxRetries: a.cfg.Redis.MaxRetries,
		TLSEnabled: a.cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = rc.Close() })
	a.bus = redisc.NewTaskBus(rc)

	if a.cfg.S3.Bucket != "" {
		blob, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       a.cfg.S3.Endpoint,
			Region:         a.cfg.S3.Region,
			Bucket:         a.cfg.S3.Bucket,
			AccessKey:      a.cfg.S3.AccessKey,
			SecretKey:      a.cfg.S3.SecretKey,
			UseSSL:         a.cfg.S3.UseSSL,
			ForcePathStyle: a.cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		a.archiver = s3blob.NewArchiver(s3blob.NewWriter(blob))
	}

	securities := marketdata.NewSecurityService(db.Pool(), a.logger)
	bars := marketdata.NewBarService(db.Pool(), securities, a.logger,
		marketdata.WithBatchSize(a.cfg.Worker.BatchSize),
		marketdata.WithMaxConcurrent(a.cfg.Worker.MaxConcurrentQueries),
	)

	provider := execctx.NewProvider()
	runner := sandbox.NewRunner(bars, securities, provider, a.logger)
	a.validator = script.NewValidator()
	a.engine = engine.New(runner, a.validator, provider, a.logger,
		engine.WithValidationLimits(
			a.cfg.Worker.ValidationMaxInstances,
			a.cfg.Worker.ValidationTimeout.Duration,
		),
	)

	a.strategies = postgres.NewStrategyStore(db, a.logger)
	a.executions = postgres.NewExecutionStore(db.Pool())

	return nil
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down worker")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
