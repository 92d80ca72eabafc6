// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/hkauso/starstraw/internal/auth"
)

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, issued_at, expires_at, revoked, rotations)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		session.ID.String(),
		session.UserID.String(),
		session.TokenHash,
		session.IssuedAt,
		session.ExpiresAt,
		session.Revoked,
		session.Rotations,
	)
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, issued_at, expires_at, revoked, rotations
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_TOKEN_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}
	return session, nil
}

// GetByUser retrieves all sessions for a user, newest first.
func (r *SessionRepository) GetByUser(ctx context.Context, userID ulid.ULID) ([]*auth.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, token_hash, issued_at, expires_at, revoked, rotations
		FROM sessions
		WHERE user_id = $1
		ORDER BY issued_at DESC
	`, userID.String())
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_USER_FAILED").
			With("operation", "get sessions by user").
			With("user_id", userID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var sessions []*auth.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, oops.Code("SESSION_SCAN_FAILED").
				With("operation", "scan session row").
				Wrap(err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, oops.Code("SESSION_ROWS_ERROR").
			With("operation", "iterate session rows").
			Wrap(err)
	}

	return sessions, nil
}

// Revoke marks a session revoked by token hash.
func (r *SessionRepository) Revoke(ctx context.Context, tokenHash string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked = TRUE
		WHERE token_hash = $1
	`, tokenHash)
	if err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke session").
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return nil
}

// RevokeAllForUser marks every session for a user revoked.
func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID ulid.ULID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked = TRUE
		WHERE user_id = $1 AND NOT revoked
	`, userID.String())
	if err != nil {
		return oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("operation", "revoke sessions by user").
			With("user_id", userID.String()).
			Wrap(err)
	}
	// No ErrNotFound when nothing matched - a user with no sessions is a valid state.
	return nil
}

// RevokeAllForUserExcept marks every session for a user revoked except the
// one with the given token hash.
func (r *SessionRepository) RevokeAllForUserExcept(ctx context.Context, userID ulid.ULID, keepTokenHash string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked = TRUE
		WHERE user_id = $1 AND token_hash <> $2 AND NOT revoked
	`, userID.String(), keepTokenHash)
	if err != nil {
		return oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("operation", "revoke other sessions by user").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return nil
}

// Rotate revokes the old session and inserts its replacement in one
// transaction, so a crash between the two writes cannot leave both tokens
// live or both dead.
func (r *SessionRepository) Rotate(ctx context.Context, oldTokenHash string, replacement *auth.Session) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	result, err := tx.Exec(ctx, `
		UPDATE sessions SET revoked = TRUE
		WHERE token_hash = $1 AND NOT revoked
	`, oldTokenHash)
	if err != nil {
		return oops.Code("SESSION_ROTATE_FAILED").
			With("operation", "revoke old session").
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		// Lost the race against a concurrent revoke or rotate.
		return oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, issued_at, expires_at, revoked, rotations)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		replacement.ID.String(),
		replacement.UserID.String(),
		replacement.TokenHash,
		replacement.IssuedAt,
		replacement.ExpiresAt,
		replacement.Revoked,
		replacement.Rotations,
	)
	if err != nil {
		return oops.Code("SESSION_ROTATE_FAILED").
			With("operation", "insert replacement session").
			Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}

// DeleteExpired removes sessions past their expiry and returns the count.
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM sessions WHERE expires_at < $1
	`, time.Now())
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanSession scans a single row into a Session.
// Callers are responsible for handling pgx.ErrNoRows.
func scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		idStr     string
		userIDStr string
		tokenHash string
		issuedAt  time.Time
		expiresAt time.Time
		revoked   bool
		rotations int
	)

	err := row.Scan(&idStr, &userIDStr, &tokenHash, &issuedAt, &expiresAt, &revoked, &rotations)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session").
			Wrap(err)
	}

	return buildSession(idStr, userIDStr, tokenHash, issuedAt, expiresAt, revoked, rotations)
}

// scanSessionRow scans a row from a rows iterator into a Session.
func scanSessionRow(rows pgx.Rows) (*auth.Session, error) {
	var (
		idStr     string
		userIDStr string
		tokenHash string
		issuedAt  time.Time
		expiresAt time.Time
		revoked   bool
		rotations int
	)

	err := rows.Scan(&idStr, &userIDStr, &tokenHash, &issuedAt, &expiresAt, &revoked, &rotations)
	if err != nil {
		return nil, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session row").
			Wrap(err)
	}

	return buildSession(idStr, userIDStr, tokenHash, issuedAt, expiresAt, revoked, rotations)
}

func buildSession(idStr, userIDStr, tokenHash string, issuedAt, expiresAt time.Time, revoked bool, rotations int) (*auth.Session, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").
			With("operation", "parse session id").
			With("id", idStr).
			Wrap(err)
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_USER_ID").
			With("operation", "parse user id").
			With("user_id", userIDStr).
			Wrap(err)
	}

	return &auth.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Revoked:   revoked,
		Rotations: rotations,
	}, nil
}

// Compile-time interface check.
var _ auth.SessionRepository = (*SessionRepository)(nil)
