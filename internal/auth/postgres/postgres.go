// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package postgres implements the auth repositories using PostgreSQL.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pool is the subset of pgxpool.Pool the repositories use.
// pgxmock.PgxPoolIface satisfies it in unit tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}
