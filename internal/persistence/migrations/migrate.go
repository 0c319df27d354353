// Package migrations wires golang-migrate execution for conduit's
// persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	dbmigrations "github.com/tidewater/conduit/db/migrations"
	"github.com/tidewater/conduit/internal/observability"
)

// Apply runs the embedded SQL migrations against the Postgres instance
// reachable via dsn. Already-applied migrations are a no-op.
func Apply(ctx context.Context, dsn string, logger observability.Logger) error {
	if logger == nil {
		logger = observability.Log()
	}
	return withMigrator(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("database migrations up to date")
				return nil
			}
			return fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("database migrations applied")
		return nil
	})
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	if logger == nil {
		logger = observability.Log()
	}
	return withMigrator(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("no migrations to roll back")
				return nil
			}
			return fmt.Errorf("rollback migrations: %w", err)
		}
		logger.Info("database migrations rolled back",
			observability.Field{Key: "steps", Value: steps})
		return nil
	})
}

func withMigrator(ctx context.Context, dsn string, logger observability.Logger, run func(*migrate.Migrate) error) error {
	if logger == nil {
		logger = observability.Log()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("database migrations close",
				observability.Field{Key: "error", Value: cerr.Error()})
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Error("database migrations source close",
				observability.Field{Key: "error", Value: sourceErr.Error()})
		}
		if dbErr != nil {
			logger.Error("database migrations db close",
				observability.Field{Key: "error", Value: dbErr.Error()})
		}
	}()

	return run(m)
}
