// Package storage provides the PostgreSQL storage layer for tane.
//
// It manages connection pooling via pgxpool, COPY-based batch ingestion for
// coverage observations, and the seed and checkpoint tables that let a
// restarted engine rebuild its corpus state.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tane/internal/telemetry"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a connection pool and verifies connectivity. Connections are
// recycled hourly so a failed-over primary is picked up without a restart.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	logger.Info("storage: connected", "max_conns", poolCfg.MaxConns)
	return &DB{pool: pool, logger: logger}, nil
}

// RegisterPoolMetrics exposes pool occupancy as OTEL gauges. Call after
// telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("tane/storage")
	gauge := func(name, desc string, value func(*pgxpool.Stat) int64) {
		_, _ = meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(value(db.pool.Stat()))
				return nil
			}),
		)
	}
	gauge("tane.storage.pool.acquired", "Connections in use",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) })
	gauge("tane.storage.pool.idle", "Idle connections",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) })
	gauge("tane.storage.pool.total", "Open connections",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) })
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) {
	db.pool.Close()
}
