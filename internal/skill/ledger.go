// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package skill

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Progress is a per-(user, skill) record. The zero-value record (level 0,
// no experience) is the default state; absence from storage is not an error.
type Progress struct {
	UserID     ulid.ULID
	Skill      string
	Level      int
	Experience int64
	UpdatedAt  time.Time
}

// ProgressRepository persists skill progress.
type ProgressRepository interface {
	// Get retrieves the progress record, or ErrNotFound (wrapped) if none
	// exists yet.
	Get(ctx context.Context, userID ulid.ULID, skillName string) (*Progress, error)

	// GetAllForUser retrieves every progress record for a user.
	GetAllForUser(ctx context.Context, userID ulid.ULID) ([]*Progress, error)

	// AddExperience atomically adds amount to the accumulated total (creating
	// the record at zero first if absent), derives the level from the new
	// total via levelFor, and returns the updated record. The read-modify-
	// write happens under a row lock in one transaction.
	AddExperience(ctx context.Context, userID ulid.ULID, skillName string, amount int64, levelFor func(int64) int) (*Progress, error)

	// Put overwrites the record with the given level and experience.
	Put(ctx context.Context, progress *Progress) error
}

// Ledger is the source of truth for skill progression. Experience is
// monotonic: awards are non-negative, and the only way down is the
// administrative SetLevel override.
type Ledger struct {
	skills   *Set
	progress ProgressRepository
}

// NewLedger creates a Ledger over the given immutable skill registry.
func NewLedger(skills *Set, progress ProgressRepository) (*Ledger, error) {
	if skills == nil {
		return nil, oops.In("skill").Code("SKILL_NIL_DEPENDENCY").Errorf("skill set is required")
	}
	if progress == nil {
		return nil, oops.In("skill").Code("SKILL_NIL_DEPENDENCY").Errorf("progress repository is required")
	}
	return &Ledger{skills: skills, progress: progress}, nil
}

// AwardExperience adds a non-negative amount to the user's accumulated total
// for a skill and recomputes the level from the new total. Awards are
// cumulative, never deduplicated; order does not affect the derived level.
func (l *Ledger) AwardExperience(ctx context.Context, userID ulid.ULID, skillName string, amount int64) (*Progress, error) {
	if amount < 0 {
		return nil, oops.In("skill").Code("SKILL_NEGATIVE_AMOUNT").
			With("skill", skillName).
			With("amount", amount).
			Wrap(ErrNegativeAmount)
	}

	def, ok := l.skills.Get(skillName)
	if !ok {
		return nil, unknownSkill(skillName)
	}

	progress, err := l.progress.AddExperience(ctx, userID, skillName, amount, def.LevelFor)
	if err != nil {
		return nil, oops.In("skill").Code("SKILL_AWARD_FAILED").
			With("operation", "add experience").
			With("skill", skillName).
			With("user_id", userID.String()).
			Wrap(err)
	}
	return progress, nil
}

// GetProgress returns the user's progress for a skill. A user who has never
// been awarded experience gets the zero-value record, not an error.
func (l *Ledger) GetProgress(ctx context.Context, userID ulid.ULID, skillName string) (*Progress, error) {
	if _, ok := l.skills.Get(skillName); !ok {
		return nil, unknownSkill(skillName)
	}

	progress, err := l.progress.Get(ctx, userID, skillName)
	if err != nil {
		if isNotFound(err) {
			return &Progress{UserID: userID, Skill: skillName}, nil
		}
		return nil, oops.In("skill").Code("SKILL_GET_FAILED").
			With("operation", "get progress").
			With("skill", skillName).
			With("user_id", userID.String()).
			Wrap(err)
	}
	return progress, nil
}

// Snapshot returns the user's progress across every registered skill,
// including zero-value records for skills never touched.
func (l *Ledger) Snapshot(ctx context.Context, userID ulid.ULID) ([]*Progress, error) {
	stored, err := l.progress.GetAllForUser(ctx, userID)
	if err != nil {
		return nil, oops.In("skill").Code("SKILL_SNAPSHOT_FAILED").
			With("operation", "get all progress").
			With("user_id", userID.String()).
			Wrap(err)
	}

	byName := make(map[string]*Progress, len(stored))
	for _, p := range stored {
		byName[p.Skill] = p
	}

	names := l.skills.Names()
	out := make([]*Progress, 0, len(names))
	for _, name := range names {
		if p, ok := byName[name]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, &Progress{UserID: userID, Skill: name})
	}
	return out, nil
}

// SetLevel is the administrative override. It clamps the level to the curve
// and rewrites experience to exactly that level's threshold, so the
// level-from-total invariant holds afterward.
func (l *Ledger) SetLevel(ctx context.Context, userID ulid.ULID, skillName string, level int) (*Progress, error) {
	def, ok := l.skills.Get(skillName)
	if !ok {
		return nil, unknownSkill(skillName)
	}

	level = def.ClampLevel(level)
	progress := &Progress{
		UserID:     userID,
		Skill:      skillName,
		Level:      level,
		Experience: def.ThresholdFor(level),
		UpdatedAt:  time.Now(),
	}

	if err := l.progress.Put(ctx, progress); err != nil {
		return nil, oops.In("skill").Code("SKILL_SET_LEVEL_FAILED").
			With("operation", "put progress").
			With("skill", skillName).
			With("user_id", userID.String()).
			Wrap(err)
	}
	return progress, nil
}

// Skills exposes the immutable registry for collaborators that need curve
// metadata (the permission resolver validates rules against it).
func (l *Ledger) Skills() *Set { return l.skills }

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func unknownSkill(name string) error {
	return oops.In("skill").Code("SKILL_UNKNOWN").
		With("skill", name).
		Wrap(ErrUnknownSkill)
}
