// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	SessionTokenBytes  = 32             // 32 bytes = 64 hex chars
	DefaultSessionTTL  = 24 * time.Hour // used when config supplies no TTL
	MinSessionTokenTTL = time.Minute    // refuse absurdly short sessions
)

// SessionState is the lifecycle state of a session.
type SessionState int

// Session lifecycle states. Expired and Revoked are terminal.
const (
	SessionActive SessionState = iota
	SessionExpired
	SessionRevoked
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	case SessionRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Session binds an opaque token (stored as a SHA-256 hash) to a user.
// A user may hold any number of concurrent sessions; each token maps to
// exactly one session row.
type Session struct {
	ID        ulid.ULID
	UserID    ulid.ULID
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	// Rotations counts how many times this session chain has been rotated.
	// A rotated replacement carries its predecessor's counter plus one.
	Rotations int
}

// NewSession creates a validated Session instance.
func NewSession(userID ulid.ULID, tokenHash string, ttl time.Duration) (*Session, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if ttl < MinSessionTokenTTL {
		return nil, oops.Code("SESSION_INVALID_TTL").
			With("ttl", ttl.String()).
			Errorf("session ttl must be at least %s", MinSessionTokenTTL)
	}

	now := time.Now()
	return &Session{
		ID:        ulid.Make(),
		UserID:    userID,
		TokenHash: tokenHash,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// StateAt returns the session state as of the given time. Revocation wins
// over expiry so an explicitly revoked session never reads as merely expired.
func (s *Session) StateAt(t time.Time) SessionState {
	if s.Revoked {
		return SessionRevoked
	}
	if t.After(s.ExpiresAt) {
		return SessionExpired
	}
	return SessionActive
}

// IsExpiredAt returns true if the session would be expired at the given time.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; the hash is stored in the database.
func GenerateSessionToken() (token, hash string, err error) {
	tokenBytes := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	hash = HashSessionToken(token)

	return token, hash, nil
}

// HashSessionToken computes the SHA-256 hash of a session token.
// This is used to securely store tokens in the database.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifySessionToken checks if the plaintext token matches the stored hash.
// Uses constant-time comparison to prevent timing attacks.
func VerifySessionToken(token, hash string) (bool, error) {
	if token == "" {
		return false, oops.Code("SESSION_TOKEN_EMPTY").Errorf("session token cannot be empty")
	}
	if hash == "" {
		return false, oops.Code("SESSION_HASH_EMPTY").Errorf("stored hash cannot be empty")
	}
	computed := HashSessionToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1, nil
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// GetByTokenHash retrieves a session by its token hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// GetByUser retrieves all sessions for a user, newest first.
	GetByUser(ctx context.Context, userID ulid.ULID) ([]*Session, error)

	// Revoke marks a session revoked by token hash. Returns ErrNotFound
	// (wrapped) if no session matches.
	Revoke(ctx context.Context, tokenHash string) error

	// RevokeAllForUser marks every session for a user revoked. Revoking a
	// user with no sessions is not an error.
	RevokeAllForUser(ctx context.Context, userID ulid.ULID) error

	// RevokeAllForUserExcept marks every session for a user revoked except
	// the one with the given token hash.
	RevokeAllForUserExcept(ctx context.Context, userID ulid.ULID, keepTokenHash string) error

	// Rotate atomically revokes the old session and stores its replacement.
	// Either both writes land or neither does.
	Rotate(ctx context.Context, oldTokenHash string, replacement *Session) error

	// DeleteExpired removes sessions past their expiry and returns the
	// count of deleted records. Lazy expiry on validation does not depend
	// on this; it is maintenance only.
	DeleteExpired(ctx context.Context) (int64, error)
}
