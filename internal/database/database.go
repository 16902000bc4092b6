// Package database provides PostgreSQL connectivity and the durable ledger store
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Database defines the interface for database operations
type Database interface {
	Ping(ctx context.Context) error
	Close() error
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
	GetPool() *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	URL         string
	MaxConns    int32
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// PostgresDB implements the Database interface
type PostgresDB struct {
	pool *pgxpool.Pool
	cfg  Config
	done chan struct{}
}

// New creates a new database connection pool
func New(ctx context.Context, cfg Config) (Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	if cfg.MaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db := &PostgresDB{
		pool: pool,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	if cfg.HealthCheck > 0 {
		go db.startHealthCheck()
	}

	return db, nil
}

// Ping checks database connectivity
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close stops the health check and closes the pool
func (db *PostgresDB) Close() error {
	close(db.done)
	db.pool.Close()
	return nil
}

// GetPool returns the connection pool
func (db *PostgresDB) GetPool() *pgxpool.Pool {
	return db.pool
}

func (db *PostgresDB) startHealthCheck() {
	ticker := time.NewTicker(db.cfg.HealthCheck)
	defer ticker.Stop()
	for {
		select {
		case <-db.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := db.Ping(ctx); err != nil {
				log.WithError(err).Warn("Database health check failed")
			}
			cancel()
		}
	}
}

// WithTx executes a function within a transaction
func (db *PostgresDB) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	return runTx(ctx, tx, fn)
}

// runTx runs fn in tx, committing on success and rolling back otherwise. tx
// may itself be a savepoint of an enclosing transaction.
func runTx(ctx context.Context, tx pgx.Tx, fn func(pgx.Tx) error) error {
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rolling back transaction: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Validate validates the database configuration
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("invalid max connections: %d", c.MaxConns)
	}
	return nil
}
