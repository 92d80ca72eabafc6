// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package auth provides the credential store, password hashing, and session
// lifecycle for starstraw.
//
// Three services live here:
//
//   - CredentialService: account creation and password verification. Failed
//     verification is deliberately undifferentiated (unknown username and
//     wrong password produce the same error) to prevent enumeration.
//   - SessionService: issues opaque random tokens, validates them with lazy
//     expiry, and revokes them. Only the SHA-256 hash of a token is ever
//     stored.
//   - Argon2idHasher: the PasswordHasher implementation.
//
// Persistence is abstracted behind UserRepository and SessionRepository;
// PostgreSQL implementations live in the postgres subpackage.
package auth
