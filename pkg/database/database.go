package database

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Database owns the PostgreSQL pool behind the ledger store.
type Database struct {
	Pool *pgxpool.Pool
}

func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 && int32(cfg.MaxIdleConns) <= pc.MaxConns {
		pc.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	return pc, nil
}

// NewDatabase opens the pool and verifies it with a ping.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health pings the database.
func (db *Database) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RecordPoolStats publishes the pool's connection counts.
func (db *Database) RecordPoolStats() {
	st := db.Pool.Stat()
	metrics.DBPoolConnections.WithLabelValues("acquired").Set(float64(st.AcquiredConns()))
	metrics.DBPoolConnections.WithLabelValues("idle").Set(float64(st.IdleConns()))
	metrics.DBPoolConnections.WithLabelValues("total").Set(float64(st.TotalConns()))
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *Database) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
