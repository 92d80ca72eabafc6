// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package store manages the PostgreSQL connection pool and schema migrations.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Connection retry configuration. The database is commonly still starting
// when the service comes up, so the first pings are allowed to fail.
const (
	connectMaxRetries   = 5
	connectRetryBackoff = 500 * time.Millisecond
)

// DB wraps the pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool and verifies it with a ping, retrying
// with fibonacci backoff while the database comes up.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, oops.In("store").Code("DB_CONFIG_INVALID").Wrap(err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.In("store").Code("DB_CONNECT_FAILED").Wrap(err)
	}

	backoff := retry.WithMaxRetries(connectMaxRetries, retry.NewFibonacci(connectRetryBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			slog.DebugContext(ctx, "database ping failed, retrying", "error", pingErr)
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.In("store").
			Code("DB_PING_FAILED").
			With("max_retries", connectMaxRetries).
			Wrap(err)
	}

	slog.InfoContext(ctx, "database connected")
	return &DB{pool: pool}, nil
}

// Pool exposes the underlying pool for repositories.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping verifies the connection is still alive.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return oops.In("store").Code("DB_PING_FAILED").Wrap(err)
	}
	return nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
