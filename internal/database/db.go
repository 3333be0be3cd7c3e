// Package database persists traders, closed trades and learned patterns in
// PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ai-trading-engine/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection from a postgres:// DSN
func NewDB(ctx context.Context, dsn string, maxConns int32, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	l := logging.Component(logger, "Database")
	l.Info().Str("database", poolConfig.ConnConfig.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: l}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS traders (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		exchange VARCHAR(50) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		stake_amount DECIMAL(20, 8) NOT NULL,
		risk_level INT NOT NULL,
		max_duration_ns BIGINT NOT NULL DEFAULT 0,
		min_return_pct DECIMAL(10, 4) NOT NULL DEFAULT 0,
		strategy VARCHAR(50) NOT NULL,
		strategy_params JSONB NOT NULL DEFAULT '{}',
		interval VARCHAR(10) NOT NULL,
		state VARCHAR(20) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id VARCHAR(64) PRIMARY KEY,
		trader_id VARCHAR(64) NOT NULL,
		exchange VARCHAR(50) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(4) NOT NULL,
		strategy VARCHAR(50) NOT NULL,
		size DECIMAL(20, 8) NOT NULL,
		leverage DECIMAL(10, 4) NOT NULL,
		quantity DECIMAL(20, 8) NOT NULL,
		entry_price DECIMAL(20, 8) NOT NULL,
		exit_price DECIMAL(20, 8) NOT NULL,
		pnl DECIMAL(20, 8) NOT NULL,
		pnl_percent DECIMAL(10, 4) NOT NULL,
		close_reason VARCHAR(50) NOT NULL,
		pattern_id VARCHAR(64),
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_trader ON trades(trader_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at)`,

	`CREATE TABLE IF NOT EXISTS patterns (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(200) NOT NULL DEFAULT '',
		exchange VARCHAR(50) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		timeframe VARCHAR(10) NOT NULL,
		conditions JSONB NOT NULL,
		action VARCHAR(10) NOT NULL,
		confidence DECIMAL(10, 4) NOT NULL,
		usage_count INT NOT NULL DEFAULT 0,
		success_count INT NOT NULL DEFAULT 0,
		success_rate DECIMAL(10, 4) NOT NULL DEFAULT 0,
		average_return DECIMAL(10, 4) NOT NULL DEFAULT 0,
		samples INT NOT NULL DEFAULT 1,
		tags TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_market ON patterns(exchange, symbol, timeframe)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_success_rate ON patterns(success_rate DESC)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Int("count", len(migrations)).Msg("Running database migrations")
	defer logging.Timed(db.logger, "migrations")()

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
