// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package access maps actions to skill requirements and evaluates them.
//
// Actions are colon-separated identifiers ("post:delete", "spirit:award").
// Rule patterns may use glob syntax with ':' as the separator, so
// "session:*" covers every session action. An action with no matching
// rule is always denied.
package access

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/hkauso/starstraw/internal/skill"
)

// Effect is the outcome class a rule assigns to matching actions.
type Effect string

const (
	// EffectAllow grants the action unconditionally.
	EffectAllow Effect = "allow"
	// EffectDeny refuses the action unconditionally. A deny rule keeps the
	// action defined while disabling it.
	EffectDeny Effect = "deny"
	// EffectRequire grants the action only when the user's level in the
	// named skill meets the minimum.
	EffectRequire Effect = "require"
)

// Rule maps an action pattern to an effect. Skill and MinLevel are only
// meaningful for EffectRequire.
type Rule struct {
	Action   string
	Effect   Effect
	Skill    string
	MinLevel int
}

// compiledRule pairs a rule with its compiled glob.
type compiledRule struct {
	rule Rule
	glob glob.Glob
}

// RuleSet is an immutable, validated collection of rules. Literal action
// names match before glob patterns; among globs, declaration order wins.
type RuleSet struct {
	exact map[string]Rule
	globs []compiledRule
}

// NewRuleSet compiles and validates rules against the skill registry.
// Returns an error on invalid glob syntax, an unknown effect, a duplicate
// literal action, or a require rule referencing an unregistered skill or a
// level the skill's curve cannot reach.
func NewRuleSet(rules []Rule, skills *skill.Set) (*RuleSet, error) {
	rs := &RuleSet{exact: make(map[string]Rule, len(rules))}

	for _, r := range rules {
		if r.Action == "" {
			return nil, oops.In("access").
				Code("INVALID_RULE_ACTION").
				New("rule action cannot be empty")
		}

		switch r.Effect {
		case EffectAllow, EffectDeny:
		case EffectRequire:
			sk, ok := skills.Get(r.Skill)
			if !ok {
				return nil, oops.In("access").
					Code("UNKNOWN_RULE_SKILL").
					With("action", r.Action).
					With("skill", r.Skill).
					New("rule references unregistered skill")
			}
			if r.MinLevel < 0 || r.MinLevel > sk.MaxLevel() {
				return nil, oops.In("access").
					Code("INVALID_RULE_LEVEL").
					With("action", r.Action).
					With("skill", r.Skill).
					With("min_level", r.MinLevel).
					With("max_level", sk.MaxLevel()).
					New("rule minimum level outside skill range")
			}
		default:
			return nil, oops.In("access").
				Code("INVALID_RULE_EFFECT").
				With("action", r.Action).
				With("effect", string(r.Effect)).
				New("unknown rule effect")
		}

		if isLiteral(r.Action) {
			if _, dup := rs.exact[r.Action]; dup {
				return nil, oops.In("access").
					Code("DUPLICATE_RULE_ACTION").
					With("action", r.Action).
					New("duplicate rule for action")
			}
			rs.exact[r.Action] = r
			continue
		}

		g, err := glob.Compile(r.Action, ':')
		if err != nil {
			return nil, oops.In("access").
				Code("INVALID_RULE_PATTERN").
				With("pattern", r.Action).
				Wrap(err)
		}
		rs.globs = append(rs.globs, compiledRule{rule: r, glob: g})
	}

	return rs, nil
}

// Lookup returns the rule governing action, or false if none matches.
func (rs *RuleSet) Lookup(action string) (Rule, bool) {
	if r, ok := rs.exact[action]; ok {
		return r, true
	}
	for _, cr := range rs.globs {
		if cr.glob.Match(action) {
			return cr.rule, true
		}
	}
	return Rule{}, false
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int {
	return len(rs.exact) + len(rs.globs)
}

// isLiteral reports whether pattern contains no glob metacharacters.
func isLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, `*?[]{}\`)
}
