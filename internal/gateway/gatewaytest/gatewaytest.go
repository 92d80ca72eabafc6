// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package gatewaytest composes a Gateway over in-memory repositories so
// service and transport tests run without a database.
package gatewaytest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hkauso/starstraw/internal/access"
	"github.com/hkauso/starstraw/internal/auth"
	"github.com/hkauso/starstraw/internal/gateway"
	"github.com/hkauso/starstraw/internal/skill"
)

// UserRepo is an in-memory auth.UserRepository with case-insensitive
// username uniqueness.
type UserRepo struct {
	mu   sync.Mutex
	byID map[ulid.ULID]*auth.User
}

// NewUserRepo creates an empty UserRepo.
func NewUserRepo() *UserRepo {
	return &UserRepo{byID: make(map[ulid.ULID]*auth.User)}
}

func (r *UserRepo) Create(_ context.Context, user *auth.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if strings.EqualFold(u.Username, user.Username) {
			return auth.ErrDuplicateUsername
		}
	}
	cp := *user
	r.byID[user.ID] = &cp
	return nil
}

func (r *UserRepo) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *UserRepo) GetByUsername(_ context.Context, username string) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if strings.EqualFold(u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *UserRepo) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (r *UserRepo) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return auth.ErrNotFound
	}
	delete(r.byID, id)
	return nil
}

// SessionRepo is an in-memory auth.SessionRepository keyed by token hash.
type SessionRepo struct {
	mu     sync.Mutex
	byHash map[string]*auth.Session
}

// NewSessionRepo creates an empty SessionRepo.
func NewSessionRepo() *SessionRepo {
	return &SessionRepo{byHash: make(map[string]*auth.Session)}
}

func (r *SessionRepo) Create(_ context.Context, session *auth.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *session
	r.byHash[session.TokenHash] = &cp
	return nil
}

func (r *SessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHash[tokenHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *SessionRepo) GetByUser(_ context.Context, userID ulid.ULID) ([]*auth.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*auth.Session
	for _, s := range r.byHash {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *SessionRepo) Revoke(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHash[tokenHash]
	if !ok {
		return auth.ErrNotFound
	}
	s.Revoked = true
	return nil
}

func (r *SessionRepo) RevokeAllForUser(_ context.Context, userID ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byHash {
		if s.UserID == userID {
			s.Revoked = true
		}
	}
	return nil
}

func (r *SessionRepo) RevokeAllForUserExcept(_ context.Context, userID ulid.ULID, keepTokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byHash {
		if s.UserID == userID && s.TokenHash != keepTokenHash {
			s.Revoked = true
		}
	}
	return nil
}

func (r *SessionRepo) Rotate(_ context.Context, oldTokenHash string, replacement *auth.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byHash[oldTokenHash]
	if !ok || old.Revoked {
		return auth.ErrNotFound
	}
	old.Revoked = true
	cp := *replacement
	r.byHash[replacement.TokenHash] = &cp
	return nil
}

func (r *SessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for hash, s := range r.byHash {
		if s.IsExpiredAt(now) {
			delete(r.byHash, hash)
			n++
		}
	}
	return n, nil
}

// ProgressRepo is an in-memory skill.ProgressRepository.
type ProgressRepo struct {
	mu      sync.Mutex
	records map[string]*skill.Progress
}

// NewProgressRepo creates an empty ProgressRepo.
func NewProgressRepo() *ProgressRepo {
	return &ProgressRepo{records: make(map[string]*skill.Progress)}
}

func (r *ProgressRepo) key(userID ulid.ULID, skillName string) string {
	return userID.String() + "/" + skillName
}

func (r *ProgressRepo) Get(_ context.Context, userID ulid.ULID, skillName string) (*skill.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[r.key(userID, skillName)]
	if !ok {
		return nil, skill.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *ProgressRepo) GetAllForUser(_ context.Context, userID ulid.ULID) ([]*skill.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*skill.Progress
	for _, p := range r.records {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *ProgressRepo) AddExperience(_ context.Context, userID ulid.ULID, skillName string, amount int64, levelFor func(int64) int) (*skill.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(userID, skillName)
	p, ok := r.records[k]
	if !ok {
		p = &skill.Progress{UserID: userID, Skill: skillName}
		r.records[k] = p
	}
	p.Experience += amount
	p.Level = levelFor(p.Experience)
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (r *ProgressRepo) Put(_ context.Context, progress *skill.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *progress
	r.records[r.key(progress.UserID, progress.Skill)] = &cp
	return nil
}

// Env bundles a composed Gateway with the pieces tests poke at directly.
type Env struct {
	Gateway  *gateway.Gateway
	Ledger   *skill.Ledger
	Users    *UserRepo
	Sessions *SessionRepo
}

// Options tunes the composed environment.
type Options struct {
	// Rules replaces the default rule set. Defaults gate the spirit admin
	// actions on spirit level 2 and add allow/deny samples.
	Rules []access.Rule

	// SessionTTL defaults to one hour.
	SessionTTL time.Duration

	// RenewalWindow enables rotation when positive.
	RenewalWindow time.Duration
}

// New composes a Gateway over in-memory storage with a single "spirit"
// skill (thresholds 0, 100, 500) and cheap hash parameters.
func New(opts Options) (*Env, error) {
	users := NewUserRepo()
	sessions := NewSessionRepo()

	hasher := auth.NewArgon2idHasherWithParams(auth.HashParams{Time: 1, Memory: 1024, Threads: 1})
	credentials, err := auth.NewCredentialService(users, hasher)
	if err != nil {
		return nil, err
	}

	ttl := opts.SessionTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	sessionSvc, err := auth.NewSessionService(sessions, auth.SessionConfig{TTL: ttl, RenewalWindow: opts.RenewalWindow})
	if err != nil {
		return nil, err
	}

	spirit, err := skill.NewSkill("spirit", []int64{0, 100, 500})
	if err != nil {
		return nil, err
	}
	skills, err := skill.NewSet([]skill.Skill{spirit})
	if err != nil {
		return nil, err
	}

	ledger, err := skill.NewLedger(skills, NewProgressRepo())
	if err != nil {
		return nil, err
	}

	ruleList := opts.Rules
	if ruleList == nil {
		ruleList = []access.Rule{
			{Action: gateway.ActionAwardExperience, Effect: access.EffectRequire, Skill: "spirit", MinLevel: 2},
			{Action: gateway.ActionSetLevel, Effect: access.EffectRequire, Skill: "spirit", MinLevel: 2},
			{Action: "post:create", Effect: access.EffectAllow},
			{Action: "post:purge", Effect: access.EffectDeny},
		}
	}
	rules, err := access.NewRuleSet(ruleList, skills)
	if err != nil {
		return nil, err
	}

	resolver, err := access.NewResolver(rules, ledger)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(credentials, sessionSvc, ledger, resolver, nil)
	if err != nil {
		return nil, err
	}

	return &Env{Gateway: gw, Ledger: ledger, Users: users, Sessions: sessions}, nil
}
