// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkauso/starstraw/internal/skill"
)

var progressColumns = []string{"user_id", "skill", "level", "experience", "updated_at"}

func newProgressRepoMock(t *testing.T) (pgxmock.PgxPoolIface, *ProgressRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return mock, NewProgressRepository(mock)
}

func TestProgressRepository_Get(t *testing.T) {
	userID := ulid.Make()
	now := time.Now().UTC()

	t.Run("returns progress", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		rows := pgxmock.NewRows(progressColumns).
			AddRow(userID.String(), "mining", 2, int64(550), now)
		mock.ExpectQuery(`SELECT user_id, skill, level, experience, updated_at`).
			WithArgs(userID.String(), "mining").
			WillReturnRows(rows)

		progress, err := repo.Get(context.Background(), userID, "mining")
		require.NoError(t, err)
		assert.Equal(t, userID, progress.UserID)
		assert.Equal(t, "mining", progress.Skill)
		assert.Equal(t, 2, progress.Level)
		assert.Equal(t, int64(550), progress.Experience)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("returns ErrNotFound for missing row", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		mock.ExpectQuery(`SELECT user_id, skill, level, experience, updated_at`).
			WithArgs(userID.String(), "mining").
			WillReturnRows(pgxmock.NewRows(progressColumns))

		progress, err := repo.Get(context.Background(), userID, "mining")
		assert.Nil(t, progress)
		assert.ErrorIs(t, err, skill.ErrNotFound)
	})
}

func TestProgressRepository_GetAllForUser(t *testing.T) {
	userID := ulid.Make()
	now := time.Now().UTC()

	t.Run("returns records ordered by skill", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		rows := pgxmock.NewRows(progressColumns).
			AddRow(userID.String(), "fishing", 0, int64(40), now).
			AddRow(userID.String(), "mining", 1, int64(150), now)
		mock.ExpectQuery(`SELECT user_id, skill, level, experience, updated_at`).
			WithArgs(userID.String()).
			WillReturnRows(rows)

		records, err := repo.GetAllForUser(context.Background(), userID)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "fishing", records[0].Skill)
		assert.Equal(t, "mining", records[1].Skill)
	})

	t.Run("returns empty for untracked user", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		mock.ExpectQuery(`SELECT user_id, skill, level, experience, updated_at`).
			WithArgs(userID.String()).
			WillReturnRows(pgxmock.NewRows(progressColumns))

		records, err := repo.GetAllForUser(context.Background(), userID)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("surfaces row iteration errors", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		rows := pgxmock.NewRows(progressColumns).
			AddRow(userID.String(), "mining", 1, int64(150), now).
			RowError(0, errors.New("row iteration error"))
		mock.ExpectQuery(`SELECT user_id, skill, level, experience, updated_at`).
			WithArgs(userID.String()).
			WillReturnRows(rows)

		_, err := repo.GetAllForUser(context.Background(), userID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "row iteration error")
	})
}

func TestProgressRepository_AddExperience(t *testing.T) {
	userID := ulid.Make()
	levelFor := func(total int64) int {
		switch {
		case total >= 500:
			return 2
		case total >= 100:
			return 1
		default:
			return 0
		}
	}

	t.Run("upserts experience and derives level in one transaction", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO skill_progress`).
			WithArgs(userID.String(), "mining", int64(50), pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"experience"}).AddRow(int64(150)))
		mock.ExpectExec(`UPDATE skill_progress SET level`).
			WithArgs(userID.String(), "mining", 1).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		progress, err := repo.AddExperience(context.Background(), userID, "mining", 50, levelFor)
		require.NoError(t, err)
		assert.Equal(t, int64(150), progress.Experience)
		assert.Equal(t, 1, progress.Level)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("rolls back when level update fails", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO skill_progress`).
			WithArgs(userID.String(), "mining", int64(50), pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"experience"}).AddRow(int64(550)))
		mock.ExpectExec(`UPDATE skill_progress SET level`).
			WithArgs(userID.String(), "mining", 2).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := repo.AddExperience(context.Background(), userID, "mining", 50, levelFor)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("wraps upsert errors", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO skill_progress`).
			WithArgs(userID.String(), "mining", int64(50), pgxmock.AnyArg()).
			WillReturnError(errors.New("connection lost"))
		mock.ExpectRollback()

		_, err := repo.AddExperience(context.Background(), userID, "mining", 50, levelFor)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection lost")
	})
}

func TestProgressRepository_Put(t *testing.T) {
	userID := ulid.Make()
	now := time.Now().UTC()

	progress := &skill.Progress{
		UserID:     userID,
		Skill:      "mining",
		Level:      2,
		Experience: 500,
		UpdatedAt:  now,
	}

	t.Run("upserts record", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		mock.ExpectExec(`INSERT INTO skill_progress`).
			WithArgs(userID.String(), "mining", 2, int64(500), now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := repo.Put(context.Background(), progress)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("wraps database errors", func(t *testing.T) {
		mock, repo := newProgressRepoMock(t)

		mock.ExpectExec(`INSERT INTO skill_progress`).
			WithArgs(userID.String(), "mining", 2, int64(500), now).
			WillReturnError(errors.New("connection refused"))

		err := repo.Put(context.Background(), progress)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}
