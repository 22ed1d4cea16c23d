package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("db: not found")

// Options tunes the connection pool.
type Options struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// Database wraps a pgx connection pool with the queries the core needs.
type Database struct {
	Pool *pgxpool.Pool
}

// New opens a pooled Postgres connection and verifies it with a ping.
func New(ctx context.Context, opts Options) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

// Close releases the pool.
func (d *Database) Close() {
	d.Pool.Close()
}

// Ping checks connectivity, used by the health endpoint.
func (d *Database) Ping(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

// withTx runs fn inside a transaction, committing on nil error.
func (d *Database) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
