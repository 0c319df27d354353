// Command conduitd launches the conduit connection-layer daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/tidewater/conduit/config"
	"github.com/tidewater/conduit/internal/conduit"
	"github.com/tidewater/conduit/internal/observability"
	"github.com/tidewater/conduit/internal/persistence/migrations"
	"github.com/tidewater/conduit/internal/persistence/postgres"
	"github.com/tidewater/conduit/lib/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	serviceShutdownTimeout   = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrateTimeout           = 30 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML configuration file (environment variables are used when omitted)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewStdLogger(cfg.Environment != config.EnvProd)
	observability.SetLogger(logger)
	logger.Info("configuration initialised",
		observability.Field{Key: "env", Value: cfg.Environment},
		observability.Field{Key: "rest", Value: cfg.Upstream.RESTBaseURL},
	)

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("initialise telemetry", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	svc, err := conduit.New(cfg, conduit.WithServiceLogger(logger))
	if err != nil {
		logger.Error("initialise service", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		pool, err = preparePersistence(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			logger.Error("initialise persistence", observability.Field{Key: "error", Value: err})
			os.Exit(1)
		}
		store := postgres.NewSessionStore(pool)
		lifecycle.Go(func() {
			report, err := svc.Recover(ctx, store)
			if err != nil {
				logger.Error("session recovery", observability.Field{Key: "error", Value: err})
				return
			}
			logger.Info("session recovery completed",
				observability.Field{Key: "total", Value: report.Total},
				observability.Field{Key: "restored", Value: report.Restored},
				observability.Field{Key: "failed", Value: report.Failed},
				observability.Field{Key: "skipped", Value: report.Skipped},
				observability.Field{Key: "duration", Value: report.Duration},
			)
		})
	} else {
		logger.Info("postgres dsn not configured; session recovery disabled")
	}

	logger.Info("conduit started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, svc, &lifecycle, pool, telemetryShutdown)
	logger.Info("shutdown completed",
		observability.Field{Key: "elapsed", Value: time.Since(shutdownStart)})
}

func loadConfig(path string) (config.Settings, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.FromEnv(), nil
}

func preparePersistence(ctx context.Context, dsn string, logger observability.Logger) (*pgxpool.Pool, error) {
	migrateCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()
	if err := migrations.Apply(migrateCtx, dsn, logger); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}
	return pool, nil
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, svc *conduit.Service, lifecycle *conc.WaitGroup, pool *pgxpool.Pool, telemetryShutdown func(context.Context) error) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed",
				observability.Field{Key: "step", Value: name},
				observability.Field{Key: "error", Value: err},
			)
			return
		}
		logger.Info("shutdown step completed", observability.Field{Key: "step", Value: name})
	}

	shutdownStep("service", serviceShutdownTimeout, svc.Shutdown)

	shutdownStep("lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	if pool != nil {
		shutdownStep("connection pool", serviceShutdownTimeout, func(context.Context) error {
			pool.Close()
			return nil
		})
	}

	if telemetryShutdown != nil {
		shutdownStep("telemetry", telemetryShutdownTimeout, telemetryShutdown)
	}
}
