package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/tenant"
)

// DB wraps the pgx connection pool
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Config holds database connection parameters
type Config struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
}

// New creates a new database connection pool
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	// Build connection string
	var dsn string
	if cfg.Password != "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	} else {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Database, cfg.SSLMode,
		)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// The pool is shared across tenants and across worker kinds. Isolation
	// comes from the transaction-scoped settings applied in BeginTenantTx,
	// not from connection affinity.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)

	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

// BeginTenantTx opens a transaction and applies the tenant context from ctx
// as transaction-local settings consumed by the row-level policies.
//
// set_config(..., is_local => true) is the SET LOCAL form: it reverts
// automatically at commit or rollback, so a pooled connection previously used
// by a different tenant starts every transaction clean. A connection-level
// setting here would leak across tenants.
//
// If ctx carries no tenant context the transaction is opened without any
// settings and the default-deny policies return zero rows.
func (db *DB) BeginTenantTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	tc, ok := tenant.FromContext(ctx)
	if !ok {
		return tx, nil
	}
	if err := tc.Validate(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if tc.TenantID == uuid.Nil {
		_, err = tx.Exec(ctx, `SELECT set_config('app.role', $1, true)`, string(tc.Role))
	} else {
		_, err = tx.Exec(ctx,
			`SELECT set_config('app.tenant_id', $1, true), set_config('app.role', $2, true)`,
			tc.TenantID.String(), string(tc.Role),
		)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("apply tenant settings: %w", err)
	}

	return tx, nil
}

// WithTenantTx runs fn inside a tenant-scoped transaction, committing when fn
// returns nil and rolling back otherwise.
func (db *DB) WithTenantTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTenantTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

// Pool returns the underlying connection pool
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Health checks if the database is reachable
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
