// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/hkauso/starstraw/internal/skill"
)

// Decision is the outcome of an authorization check. When Allowed is false,
// Reason says why; for skill-gated denials Skill, RequiredLevel and
// CurrentLevel carry the shortfall so callers can surface it.
type Decision struct {
	Allowed       bool
	Reason        string
	Skill         string
	RequiredLevel int
	CurrentLevel  int
}

// Denial reasons.
const (
	ReasonNoRule            = "no rule defined for action"
	ReasonExplicitDeny      = "action is disabled"
	ReasonInsufficientLevel = "skill level below requirement"
)

// ProgressReader is the slice of the skill ledger the resolver needs.
type ProgressReader interface {
	GetProgress(ctx context.Context, userID ulid.ULID, skillName string) (*skill.Progress, error)
}

// Resolver evaluates actions against the rule set and a user's skill
// progress. Unknown actions are denied.
type Resolver struct {
	rules  *RuleSet
	ledger ProgressReader
}

// NewResolver creates a Resolver. Both arguments are required.
func NewResolver(rules *RuleSet, ledger ProgressReader) (*Resolver, error) {
	if rules == nil {
		return nil, oops.In("access").Code("MISSING_RULES").New("rule set is required")
	}
	if ledger == nil {
		return nil, oops.In("access").Code("MISSING_LEDGER").New("progress reader is required")
	}
	return &Resolver{rules: rules, ledger: ledger}, nil
}

// Authorize decides whether userID may perform action. A missing rule or an
// explicit deny yields a denied decision with a nil error; an error is
// returned only when progress cannot be read, and the decision is still
// denied in that case.
func (r *Resolver) Authorize(ctx context.Context, userID ulid.ULID, action string) (Decision, error) {
	rule, ok := r.rules.Lookup(action)
	if !ok {
		slog.DebugContext(ctx, "no rule for action, denying",
			"user_id", userID.String(),
			"action", action)
		return Decision{Allowed: false, Reason: ReasonNoRule}, nil
	}

	switch rule.Effect {
	case EffectAllow:
		return Decision{Allowed: true}, nil
	case EffectDeny:
		return Decision{Allowed: false, Reason: ReasonExplicitDeny}, nil
	}

	progress, err := r.ledger.GetProgress(ctx, userID, rule.Skill)
	if err != nil {
		return Decision{Allowed: false, Reason: "progress unavailable"},
			oops.In("access").
				Code("PROGRESS_READ_FAILED").
				With("user_id", userID.String()).
				With("action", action).
				With("skill", rule.Skill).
				Wrap(err)
	}

	if progress.Level < rule.MinLevel {
		return Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("%s: %s requires level %d, current level %d", ReasonInsufficientLevel, rule.Skill, rule.MinLevel, progress.Level),
			Skill:         rule.Skill,
			RequiredLevel: rule.MinLevel,
			CurrentLevel:  progress.Level,
		}, nil
	}

	return Decision{
		Allowed:       true,
		Skill:         rule.Skill,
		RequiredLevel: rule.MinLevel,
		CurrentLevel:  progress.Level,
	}, nil
}
