// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// dummyPasswordHash is used when a user doesn't exist to prevent timing attacks.
// We still run password verification to make response time consistent.
// This is NOT a real credential - it's a fake hash that will never match any password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// CredentialService owns account creation and password verification.
// Plaintext passwords never leave this service.
type CredentialService struct {
	users  UserRepository
	hasher PasswordHasher
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(users UserRepository, hasher PasswordHasher) (*CredentialService, error) {
	if users == nil {
		return nil, oops.Code("AUTH_NIL_DEPENDENCY").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_NIL_DEPENDENCY").Errorf("password hasher is required")
	}
	return &CredentialService{users: users, hasher: hasher}, nil
}

// CreateUser registers a new account and returns it. Only the hash of the
// password is stored. Returns ErrDuplicateUsername (wrapped) if the username
// is taken.
func (s *CredentialService) CreateUser(ctx context.Context, username, password string) (*User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("AUTH_CREATE_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := NewUser(username, hash)
	if err != nil {
		return nil, err
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateUsername) {
			return nil, oops.Code("AUTH_DUPLICATE_USERNAME").
				With("username", username).
				Wrap(err)
		}
		return nil, oops.Code("AUTH_CREATE_FAILED").
			With("operation", "insert user").
			Wrap(err)
	}

	return user, nil
}

// VerifyCredentials checks a username/password pair and returns the user ID.
// Unknown username and wrong password return the same AUTH_INVALID_CREDENTIALS
// error wrapping ErrAuthFailed, and both paths run a full hash verification
// so response time does not reveal which case occurred.
func (s *CredentialService) VerifyCredentials(ctx context.Context, username, password string) (ulid.ULID, error) {
	user, lookupErr := s.users.GetByUsername(ctx, username)

	var targetHash string
	var userExists bool

	if lookupErr != nil {
		if errors.Is(lookupErr, ErrNotFound) {
			// Verify against the dummy hash to keep timing consistent.
			targetHash = dummyPasswordHash
			userExists = false
		} else {
			return ulid.ULID{}, oops.Code("AUTH_VERIFY_FAILED").
				With("operation", "get user by username").
				Wrap(lookupErr)
		}
	} else {
		targetHash = user.PasswordHash
		userExists = true
	}

	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil {
		if !userExists {
			return ulid.ULID{}, authFailed()
		}
		return ulid.ULID{}, oops.Code("AUTH_VERIFY_FAILED").
			With("operation", "verify password").
			Wrap(verifyErr)
	}

	if !userExists || !valid {
		return ulid.ULID{}, authFailed()
	}

	// Transparent rehash when the stored digest predates current parameters.
	// Verification already succeeded, so failure here never blocks login.
	if s.hasher.NeedsUpgrade(user.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			_ = s.users.UpdatePassword(ctx, user.ID, newHash) //nolint:errcheck // Best effort
		}
	}

	return user.ID, nil
}

// ChangePassword re-verifies the old password before replacing the hash.
func (s *CredentialService) ChangePassword(ctx context.Context, userID ulid.ULID, oldPassword, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return authFailed()
		}
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "get user by id").
			Wrap(err)
	}

	valid, err := s.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "verify old password").
			Wrap(err)
	}
	if !valid {
		return authFailed()
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "hash new password").
			Wrap(err)
	}

	if err := s.users.UpdatePassword(ctx, userID, newHash); err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "update password").
			Wrap(err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *CredentialService) GetUser(ctx context.Context, userID ulid.ULID) (*User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("AUTH_USER_NOT_FOUND").
				With("user_id", userID.String()).
				Wrap(err)
		}
		return nil, oops.Code("AUTH_GET_USER_FAILED").
			With("operation", "get user by id").
			Wrap(err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *CredentialService) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("AUTH_USER_NOT_FOUND").
				With("username", username).
				Wrap(err)
		}
		return nil, oops.Code("AUTH_GET_USER_FAILED").
			With("operation", "get user by username").
			Wrap(err)
	}
	return user, nil
}

func authFailed() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrAuthFailed)
}
