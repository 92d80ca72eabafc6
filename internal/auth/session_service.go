// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SessionConfig controls session issuance and rotation.
type SessionConfig struct {
	// TTL is the lifetime of a newly issued session.
	TTL time.Duration

	// RenewalWindow enables token rotation when positive: a session
	// validated within this much time of its expiry is replaced by a fresh
	// token and the old one revoked atomically.
	RenewalWindow time.Duration
}

// ValidationResult is returned by Validate on success.
type ValidationResult struct {
	UserID  ulid.ULID
	Session *Session

	// RotatedToken is non-empty when rotation occurred during this
	// validation. The caller must deliver it to the client; the presented
	// token is already revoked.
	RotatedToken string
}

// SessionService issues, validates, rotates, and revokes session tokens.
type SessionService struct {
	sessions SessionRepository
	cfg      SessionConfig
	// now is swapped in tests to simulate time advance.
	now func() time.Time
}

// NewSessionService creates a SessionService.
func NewSessionService(sessions SessionRepository, cfg SessionConfig) (*SessionService, error) {
	if sessions == nil {
		return nil, oops.Code("AUTH_NIL_DEPENDENCY").Errorf("session repository is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.TTL < MinSessionTokenTTL {
		return nil, oops.Code("SESSION_INVALID_TTL").
			With("ttl", cfg.TTL.String()).
			Errorf("session ttl must be at least %s", MinSessionTokenTTL)
	}
	if cfg.RenewalWindow < 0 {
		return nil, oops.Code("SESSION_INVALID_RENEWAL").Errorf("renewal window cannot be negative")
	}
	return &SessionService{sessions: sessions, cfg: cfg, now: time.Now}, nil
}

// Issue creates a session for the user and returns the session and the
// plaintext token. The token is never stored; only its hash is.
func (s *SessionService) Issue(ctx context.Context, userID ulid.ULID) (*Session, string, error) {
	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", oops.Code("SESSION_ISSUE_FAILED").
			With("operation", "generate session token").
			Wrap(err)
	}

	session, err := NewSession(userID, tokenHash, s.cfg.TTL)
	if err != nil {
		return nil, "", oops.Code("SESSION_ISSUE_FAILED").
			With("operation", "create session").
			Wrap(err)
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, "", oops.Code("SESSION_ISSUE_FAILED").
			With("operation", "persist session").
			Wrap(err)
	}

	return session, token, nil
}

// Validate resolves a token to its user. Expiry is checked lazily against
// the stored timestamp; no background sweep is required for correctness, and
// an expired session stays Expired rather than mutating into Revoked. When
// rotation is enabled and the session is inside the renewal window, the
// returned result carries a replacement token and the presented one is
// revoked.
func (s *SessionService) Validate(ctx context.Context, token string) (*ValidationResult, error) {
	if token == "" {
		return nil, oops.Code("SESSION_TOKEN_EMPTY").Errorf("session token cannot be empty")
	}

	tokenHash := HashSessionToken(token)

	session, err := s.sessions.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_NOT_FOUND").Wrap(ErrSessionNotFound)
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	now := s.now()
	switch session.StateAt(now) {
	case SessionRevoked:
		return nil, oops.Code("SESSION_REVOKED").Wrap(ErrSessionRevoked)
	case SessionExpired:
		// Expiry is derived from expires_at on every lookup, so the row is
		// left untouched and repeated validations keep reporting Expired.
		// The periodic purge removes the row eventually.
		return nil, oops.Code("SESSION_EXPIRED").Wrap(ErrSessionExpired)
	}

	result := &ValidationResult{UserID: session.UserID, Session: session}

	if s.shouldRotate(session, now) {
		rotated, newToken, err := s.rotate(ctx, session)
		if err != nil {
			// The presented token is still valid; rotation is opportunistic.
			return result, nil
		}
		result.Session = rotated
		result.RotatedToken = newToken
	}

	return result, nil
}

// Revoke marks the session for the given token revoked. Effective for all
// subsequent validations immediately.
func (s *SessionService) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return oops.Code("SESSION_TOKEN_EMPTY").Errorf("session token cannot be empty")
	}

	err := s.sessions.Revoke(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("SESSION_NOT_FOUND").Wrap(ErrSessionNotFound)
		}
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke session").
			Wrap(err)
	}
	return nil
}

// RevokeAll revokes every session held by the user.
func (s *SessionService) RevokeAll(ctx context.Context, userID ulid.ULID) error {
	if err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		return oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("operation", "revoke all sessions").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return nil
}

// RevokeAllExcept revokes every session held by the user except the one
// with the given token hash. Used after a password change to keep the
// changing session alive while evicting the rest.
func (s *SessionService) RevokeAllExcept(ctx context.Context, userID ulid.ULID, keepTokenHash string) error {
	if err := s.sessions.RevokeAllForUserExcept(ctx, userID, keepTokenHash); err != nil {
		return oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("operation", "revoke other sessions").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return nil
}

// PurgeExpired deletes expired session rows and returns the count removed.
func (s *SessionService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpired(ctx)
	if err != nil {
		return 0, oops.Code("SESSION_PURGE_FAILED").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	return n, nil
}

func (s *SessionService) shouldRotate(session *Session, now time.Time) bool {
	if s.cfg.RenewalWindow <= 0 {
		return false
	}
	return session.ExpiresAt.Sub(now) <= s.cfg.RenewalWindow
}

// rotate issues a replacement session and revokes the old one in a single
// repository transaction.
func (s *SessionService) rotate(ctx context.Context, old *Session) (*Session, string, error) {
	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", oops.Code("SESSION_ROTATE_FAILED").
			With("operation", "generate replacement token").
			Wrap(err)
	}

	replacement, err := NewSession(old.UserID, tokenHash, s.cfg.TTL)
	if err != nil {
		return nil, "", oops.Code("SESSION_ROTATE_FAILED").
			With("operation", "create replacement session").
			Wrap(err)
	}
	replacement.Rotations = old.Rotations + 1

	if err := s.sessions.Rotate(ctx, old.TokenHash, replacement); err != nil {
		return nil, "", oops.Code("SESSION_ROTATE_FAILED").
			With("operation", "persist rotation").
			With("session_id", old.ID.String()).
			Wrap(err)
	}

	return replacement, token, nil
}
