// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package postgres implements skill.ProgressRepository using PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/hkauso/starstraw/internal/skill"
)

// pool is the subset of pgxpool.Pool the repository uses.
// pgxmock.PgxPoolIface satisfies it in unit tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProgressRepository implements skill.ProgressRepository using PostgreSQL.
type ProgressRepository struct {
	pool pool
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(pool pool) *ProgressRepository {
	return &ProgressRepository{pool: pool}
}

// Get retrieves the progress record for a (user, skill) pair.
func (r *ProgressRepository) Get(ctx context.Context, userID ulid.ULID, skillName string) (*skill.Progress, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, skill, level, experience, updated_at
		FROM skill_progress
		WHERE user_id = $1 AND skill = $2
	`, userID.String(), skillName)

	progress, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PROGRESS_NOT_FOUND").
			With("user_id", userID.String()).
			With("skill", skillName).
			Wrap(skill.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PROGRESS_GET_FAILED").
			With("operation", "get progress").
			With("user_id", userID.String()).
			With("skill", skillName).
			Wrap(err)
	}
	return progress, nil
}

// GetAllForUser retrieves every progress record for a user.
func (r *ProgressRepository) GetAllForUser(ctx context.Context, userID ulid.ULID) ([]*skill.Progress, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, skill, level, experience, updated_at
		FROM skill_progress
		WHERE user_id = $1
		ORDER BY skill
	`, userID.String())
	if err != nil {
		return nil, oops.Code("PROGRESS_GET_ALL_FAILED").
			With("operation", "get all progress").
			With("user_id", userID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var records []*skill.Progress
	for rows.Next() {
		var (
			userIDStr string
			name      string
			level     int
			exp       int64
			updatedAt time.Time
		)
		if err := rows.Scan(&userIDStr, &name, &level, &exp, &updatedAt); err != nil {
			return nil, oops.Code("PROGRESS_SCAN_FAILED").
				With("operation", "scan progress row").
				Wrap(err)
		}
		id, err := ulid.Parse(userIDStr)
		if err != nil {
			return nil, oops.Code("PROGRESS_INVALID_USER_ID").
				With("user_id", userIDStr).
				Wrap(err)
		}
		records = append(records, &skill.Progress{
			UserID:     id,
			Skill:      name,
			Level:      level,
			Experience: exp,
			UpdatedAt:  updatedAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, oops.Code("PROGRESS_ROWS_ERROR").
			With("operation", "iterate progress rows").
			Wrap(err)
	}

	return records, nil
}

// AddExperience performs the atomic read-modify-write for an award. The
// upsert takes a row lock, so the returned total reflects every award that
// committed before this one; the level is derived from that total inside the
// same transaction. Two concurrent awards serialize on the lock and both
// totals land.
func (r *ProgressRepository) AddExperience(ctx context.Context, userID ulid.ULID, skillName string, amount int64, levelFor func(int64) int) (*skill.Progress, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	now := time.Now()

	var total int64
	err = tx.QueryRow(ctx, `
		INSERT INTO skill_progress (user_id, skill, level, experience, updated_at)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (user_id, skill)
		DO UPDATE SET experience = skill_progress.experience + EXCLUDED.experience,
		              updated_at = EXCLUDED.updated_at
		RETURNING experience
	`, userID.String(), skillName, amount, now).Scan(&total)
	if err != nil {
		return nil, oops.Code("PROGRESS_UPSERT_FAILED").
			With("operation", "upsert experience").
			With("user_id", userID.String()).
			With("skill", skillName).
			Wrap(err)
	}

	level := levelFor(total)

	_, err = tx.Exec(ctx, `
		UPDATE skill_progress SET level = $3
		WHERE user_id = $1 AND skill = $2
	`, userID.String(), skillName, level)
	if err != nil {
		return nil, oops.Code("PROGRESS_LEVEL_UPDATE_FAILED").
			With("operation", "update level").
			With("user_id", userID.String()).
			With("skill", skillName).
			Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}

	return &skill.Progress{
		UserID:     userID,
		Skill:      skillName,
		Level:      level,
		Experience: total,
		UpdatedAt:  now,
	}, nil
}

// Put overwrites the record with the given level and experience.
func (r *ProgressRepository) Put(ctx context.Context, progress *skill.Progress) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO skill_progress (user_id, skill, level, experience, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, skill)
		DO UPDATE SET level = EXCLUDED.level,
		              experience = EXCLUDED.experience,
		              updated_at = EXCLUDED.updated_at
	`,
		progress.UserID.String(),
		progress.Skill,
		progress.Level,
		progress.Experience,
		progress.UpdatedAt,
	)
	if err != nil {
		return oops.Code("PROGRESS_PUT_FAILED").
			With("operation", "put progress").
			With("user_id", progress.UserID.String()).
			With("skill", progress.Skill).
			Wrap(err)
	}
	return nil
}

func scanProgress(row pgx.Row) (*skill.Progress, error) {
	var (
		userIDStr string
		name      string
		level     int
		exp       int64
		updatedAt time.Time
	)
	if err := row.Scan(&userIDStr, &name, &level, &exp, &updatedAt); err != nil {
		return nil, err
	}
	id, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, err
	}
	return &skill.Progress{
		UserID:     id,
		Skill:      name,
		Level:      level,
		Experience: exp,
		UpdatedAt:  updatedAt,
	}, nil
}

// Compile-time interface check.
var _ skill.ProgressRepository = (*ProgressRepository)(nil)
