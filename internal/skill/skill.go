// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package skill tracks per-user progression: named skill tracks, experience
// totals, and the levels derived from them.
//
// A level is never stored as an incrementing counter. It is always recomputed
// by table lookup from the accumulated experience total, so concurrent or
// out-of-order awards cannot drift the level away from the total.
package skill

import (
	"errors"
	"sort"

	"github.com/samber/oops"
)

// Sentinel errors for the skill domain.
var (
	// ErrNotFound is returned by repositories when no progress record
	// exists. The Ledger converts it into a zero-value record.
	ErrNotFound = errors.New("not found")

	// ErrUnknownSkill is returned for a skill name absent from the registry.
	ErrUnknownSkill = errors.New("unknown skill")

	// ErrNegativeAmount is returned when an award amount is negative.
	ErrNegativeAmount = errors.New("experience amount cannot be negative")
)

// Skill is a named progression track with an experience-to-level curve.
// Thresholds[i] is the experience required to reach level i; Thresholds[0]
// is always zero, and the sequence is strictly increasing. Skills are
// process-wide configuration, immutable after construction.
type Skill struct {
	name       string
	thresholds []int64
}

// NewSkill validates and builds a skill curve.
func NewSkill(name string, thresholds []int64) (Skill, error) {
	if name == "" {
		return Skill{}, oops.In("skill").Code("SKILL_INVALID").Errorf("skill name cannot be empty")
	}
	if len(thresholds) == 0 {
		return Skill{}, oops.In("skill").Code("SKILL_INVALID").
			With("skill", name).
			Errorf("skill must define at least one threshold")
	}
	if thresholds[0] != 0 {
		return Skill{}, oops.In("skill").Code("SKILL_INVALID").
			With("skill", name).
			With("first", thresholds[0]).
			Errorf("first threshold must be zero")
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return Skill{}, oops.In("skill").Code("SKILL_INVALID").
				With("skill", name).
				With("index", i).
				Errorf("thresholds must be strictly increasing")
		}
	}

	owned := make([]int64, len(thresholds))
	copy(owned, thresholds)
	return Skill{name: name, thresholds: owned}, nil
}

// Name returns the skill's name.
func (s Skill) Name() string { return s.name }

// MaxLevel returns the highest reachable level.
func (s Skill) MaxLevel() int { return len(s.thresholds) - 1 }

// LevelFor returns the largest level whose threshold is <= total. Negative
// totals clamp to level zero.
func (s Skill) LevelFor(total int64) int {
	// sort.Search finds the first threshold strictly above the total; the
	// level is the index just before it.
	i := sort.Search(len(s.thresholds), func(i int) bool {
		return s.thresholds[i] > total
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// ThresholdFor returns the experience required to hold the given level,
// clamped to the curve's bounds.
func (s Skill) ThresholdFor(level int) int64 {
	if level < 0 {
		return 0
	}
	if level > s.MaxLevel() {
		level = s.MaxLevel()
	}
	return s.thresholds[level]
}

// ClampLevel limits a level to the curve's valid range.
func (s Skill) ClampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > s.MaxLevel() {
		return s.MaxLevel()
	}
	return level
}

// Set is the immutable process-wide skill registry, built once from
// configuration before any request is served.
type Set struct {
	skills map[string]Skill
}

// NewSet builds a registry from the given skills. Duplicate names are
// rejected.
func NewSet(skills []Skill) (*Set, error) {
	m := make(map[string]Skill, len(skills))
	for _, s := range skills {
		if _, ok := m[s.name]; ok {
			return nil, oops.In("skill").Code("SKILL_DUPLICATE").
				With("skill", s.name).
				Errorf("skill defined twice")
		}
		m[s.name] = s
	}
	return &Set{skills: m}, nil
}

// Get returns the skill for a name. The second return is false for names
// absent from the registry.
func (set *Set) Get(name string) (Skill, bool) {
	s, ok := set.skills[name]
	return s, ok
}

// Names returns all registered skill names, sorted.
func (set *Set) Names() []string {
	names := make([]string, 0, len(set.skills))
	for name := range set.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered skills.
func (set *Set) Len() int { return len(set.skills) }
