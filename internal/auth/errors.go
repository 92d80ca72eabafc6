// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package auth

import "errors"

// Sentinel errors for the auth domain. Services wrap these with oops codes;
// callers match with errors.Is.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateUsername is returned when a username is already taken.
	ErrDuplicateUsername = errors.New("username already taken")

	// ErrAuthFailed is returned for any credential mismatch. Unknown
	// username and wrong password are indistinguishable on purpose.
	ErrAuthFailed = errors.New("invalid username or password")

	// ErrSessionNotFound is returned when a token matches no session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session is past its expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked is returned when a session was explicitly revoked.
	ErrSessionRevoked = errors.New("session revoked")
)
