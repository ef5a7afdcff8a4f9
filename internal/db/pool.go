package db

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

// Every replica owns its local store, so the worker bootstraps its own
// schema instead of relying on out-of-band migrations. All statements are
// idempotent; a restart against an existing database is a no-op.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL,
		role TEXT NOT NULL,
		password_hash TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		max_consumption DOUBLE PRECISION NOT NULL DEFAULT 0,
		price DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_device_mapping (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		device_id UUID NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS device_measurements (
		id UUID PRIMARY KEY,
		device_id UUID NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		measurement_value DOUBLE PRECISION NOT NULL,
		validation_status TEXT NOT NULL,
		anomaly_reason TEXT,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS device_measurements_device_ts_idx
		ON device_measurements (device_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS hourly_energy_consumption (
		device_id UUID NOT NULL,
		date DATE NOT NULL,
		hour INT NOT NULL,
		total_consumption DOUBLE PRECISION NOT NULL DEFAULT 0,
		measurement_count INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, date, hour)
	)`,
}

// NewPool opens the PostgreSQL pool and, on lifecycle start, verifies
// connectivity and bootstraps the schema.
func NewPool(lc fx.Lifecycle, logger *zap.Logger, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				logger.Error("database unreachable",
					zap.Error(err),
					zap.String("url", redactURL(databaseURL)),
				)
				return fmt.Errorf("cannot reach database at %s: %w", redactURL(databaseURL), err)
			}
			if err := ensureSchema(ctx, pool); err != nil {
				return fmt.Errorf("schema bootstrap failed: %w", err)
			}
			logger.Info("database ready", zap.String("url", redactURL(databaseURL)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("database connection closed")
			return nil
		},
	})

	return pool, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// redactURL strips credentials from the connection URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	return u.Redacted()
}
