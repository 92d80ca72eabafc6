// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package gateway is the single trust boundary callers go through. It
// composes credential verification, session management, the skill ledger
// and the permission resolver; no other component is exposed to the
// transport layer.
package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hkauso/starstraw/internal/access"
	"github.com/hkauso/starstraw/internal/auth"
	"github.com/hkauso/starstraw/internal/observability"
	"github.com/hkauso/starstraw/internal/skill"
)

var tracer = otel.Tracer("starstraw/gateway")

// Actions gating administrative skill operations.
const (
	ActionAwardExperience = "spirit:award"
	ActionSetLevel        = "spirit:level"
)

// DeniedError reports a failed authorization check. It carries the full
// decision so callers can surface the shortfall.
type DeniedError struct {
	Action   string
	Decision access.Decision
}

func (e *DeniedError) Error() string {
	if e.Decision.Reason != "" {
		return "action " + e.Action + " denied: " + e.Decision.Reason
	}
	return "action " + e.Action + " denied"
}

// Gateway wires the authentication and authorization services together.
type Gateway struct {
	credentials *auth.CredentialService
	sessions    *auth.SessionService
	ledger      *skill.Ledger
	resolver    *access.Resolver
	metrics     *observability.Metrics
}

// New creates a Gateway. metrics may be nil, everything else is required.
func New(credentials *auth.CredentialService, sessions *auth.SessionService, ledger *skill.Ledger, resolver *access.Resolver, metrics *observability.Metrics) (*Gateway, error) {
	if credentials == nil {
		return nil, oops.In("gateway").Code("MISSING_CREDENTIALS").New("credential service is required")
	}
	if sessions == nil {
		return nil, oops.In("gateway").Code("MISSING_SESSIONS").New("session service is required")
	}
	if ledger == nil {
		return nil, oops.In("gateway").Code("MISSING_LEDGER").New("skill ledger is required")
	}
	if resolver == nil {
		return nil, oops.In("gateway").Code("MISSING_RESOLVER").New("permission resolver is required")
	}
	return &Gateway{
		credentials: credentials,
		sessions:    sessions,
		ledger:      ledger,
		resolver:    resolver,
		metrics:     metrics,
	}, nil
}

// Register creates an account and immediately issues a session for it.
func (g *Gateway) Register(ctx context.Context, username, password string) (*auth.User, string, error) {
	user, err := g.credentials.CreateUser(ctx, username, password)
	if err != nil {
		return nil, "", err
	}

	_, token, err := g.sessions.Issue(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	g.countSessionIssued()

	slog.InfoContext(ctx, "user registered",
		"user_id", user.ID.String(),
		"username", user.Username)
	return user, token, nil
}

// Login verifies credentials and issues a session token.
func (g *Gateway) Login(ctx context.Context, username, password string) (*auth.User, string, error) {
	ctx, span := tracer.Start(ctx, "gateway.login",
		trace.WithSpanKind(trace.SpanKindServer))
	var err error
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	userID, err := g.credentials.VerifyCredentials(ctx, username, password)
	if err != nil {
		g.countLogin("failure")
		return nil, "", err
	}

	user, err := g.credentials.GetUser(ctx, userID)
	if err != nil {
		g.countLogin("error")
		return nil, "", err
	}

	_, token, err := g.sessions.Issue(ctx, userID)
	if err != nil {
		g.countLogin("error")
		return nil, "", err
	}
	g.countLogin("success")
	g.countSessionIssued()

	slog.InfoContext(ctx, "user logged in", "user_id", userID.String())
	return user, token, nil
}

// Logout revokes the presented token. An already unknown or revoked token
// is not an error, the end state is the same.
func (g *Gateway) Logout(ctx context.Context, token string) error {
	err := g.sessions.Revoke(ctx, token)
	if err != nil && errors.Is(err, auth.ErrSessionNotFound) {
		return nil
	}
	return err
}

// Identify validates the token and loads the owning user. The returned
// ValidationResult may carry a rotated replacement token.
func (g *Gateway) Identify(ctx context.Context, token string) (*auth.User, *auth.ValidationResult, error) {
	result, err := g.sessions.Validate(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	g.countRotation(result)

	user, err := g.credentials.GetUser(ctx, result.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, result, nil
}

// Progress validates the token and returns the user's full skill snapshot,
// including zero-value records for skills never awarded.
func (g *Gateway) Progress(ctx context.Context, token string) ([]*skill.Progress, *auth.ValidationResult, error) {
	result, err := g.sessions.Validate(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	g.countRotation(result)

	snapshot, err := g.ledger.Snapshot(ctx, result.UserID)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, result, nil
}

// Authorize validates the token, then checks whether its user may perform
// action. Denied decisions come back with a nil error; the error path is
// reserved for invalid sessions and infrastructure failures.
func (g *Gateway) Authorize(ctx context.Context, token, action string) (access.Decision, *auth.ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "gateway.authorize",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("authz.action", action)))
	defer span.End()

	result, err := g.sessions.Validate(ctx, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return access.Decision{}, nil, err
	}
	g.countRotation(result)

	decision, err := g.resolver.Authorize(ctx, result.UserID, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.countDecision("error")
		return decision, result, err
	}
	span.SetAttributes(attribute.Bool("authz.allowed", decision.Allowed))

	if decision.Allowed {
		g.countDecision("allow")
	} else {
		g.countDecision("deny")
	}
	return decision, result, nil
}

// ChangePassword re-verifies the old password before replacing the hash.
// All other sessions for the user are revoked afterwards; the presented
// session stays valid. The result is non-nil whenever the session validated,
// even when the change itself fails, so callers never lose a token rotated
// during validation.
func (g *Gateway) ChangePassword(ctx context.Context, token, oldPassword, newPassword string) (*auth.ValidationResult, error) {
	result, err := g.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	g.countRotation(result)

	if err := g.credentials.ChangePassword(ctx, result.UserID, oldPassword, newPassword); err != nil {
		return result, err
	}

	if err := g.sessions.RevokeAllExcept(ctx, result.UserID, result.Session.TokenHash); err != nil {
		// The password is already changed; stale sessions lapse at expiry.
		slog.WarnContext(ctx, "failed to revoke other sessions after password change",
			"user_id", result.UserID.String(),
			"error", err)
	}

	slog.InfoContext(ctx, "password changed", "user_id", result.UserID.String())
	return result, nil
}

// AwardExperience grants experience to another user's skill. The caller's
// session must pass the award action check. The result is non-nil whenever
// the session validated, even when the action is denied, so a token rotated
// during validation reaches the caller.
func (g *Gateway) AwardExperience(ctx context.Context, token, username, skillName string, amount int64) (*skill.Progress, *auth.ValidationResult, error) {
	targetID, result, err := g.requireAction(ctx, token, ActionAwardExperience, username)
	if err != nil {
		return nil, result, err
	}

	progress, err := g.ledger.AwardExperience(ctx, targetID, skillName, amount)
	if err != nil {
		return nil, result, err
	}
	g.countExperience(skillName, amount)

	slog.InfoContext(ctx, "experience awarded",
		"user_id", targetID.String(),
		"skill", skillName,
		"amount", amount,
		"level", progress.Level)
	return progress, result, nil
}

// SetLevel pins another user's skill to an exact level, resetting the
// accumulated experience to that level's threshold. The caller's session
// must pass the level action check.
func (g *Gateway) SetLevel(ctx context.Context, token, username, skillName string, level int) (*skill.Progress, *auth.ValidationResult, error) {
	targetID, result, err := g.requireAction(ctx, token, ActionSetLevel, username)
	if err != nil {
		return nil, result, err
	}

	progress, err := g.ledger.SetLevel(ctx, targetID, skillName, level)
	if err != nil {
		return nil, result, err
	}

	slog.InfoContext(ctx, "skill level set",
		"user_id", targetID.String(),
		"skill", skillName,
		"level", progress.Level)
	return progress, result, nil
}

// PurgeExpiredSessions deletes expired session rows and returns the count.
// Lazy expiry keeps validation correct without it; this trims the table.
func (g *Gateway) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return g.sessions.PurgeExpired(ctx)
}

// requireAction validates the caller's session, checks the action, and
// resolves the target username to an ID. The validation result is returned
// alongside every post-validation outcome so rotation is never swallowed.
func (g *Gateway) requireAction(ctx context.Context, token, action, targetUsername string) (ulid.ULID, *auth.ValidationResult, error) {
	result, err := g.sessions.Validate(ctx, token)
	if err != nil {
		return ulid.ULID{}, nil, err
	}
	g.countRotation(result)

	decision, err := g.resolver.Authorize(ctx, result.UserID, action)
	if err != nil {
		g.countDecision("error")
		return ulid.ULID{}, result, err
	}
	if !decision.Allowed {
		g.countDecision("deny")
		return ulid.ULID{}, result, &DeniedError{Action: action, Decision: decision}
	}
	g.countDecision("allow")

	target, err := g.credentials.GetUserByUsername(ctx, targetUsername)
	if err != nil {
		return ulid.ULID{}, result, err
	}
	return target.ID, result, nil
}

func (g *Gateway) countLogin(status string) {
	if g.metrics != nil {
		g.metrics.LoginsTotal.WithLabelValues(status).Inc()
	}
}

func (g *Gateway) countSessionIssued() {
	if g.metrics != nil {
		g.metrics.SessionsIssuedTotal.Inc()
	}
}

func (g *Gateway) countRotation(result *auth.ValidationResult) {
	if g.metrics != nil && result.RotatedToken != "" {
		g.metrics.SessionRotations.Inc()
	}
}

func (g *Gateway) countDecision(outcome string) {
	if g.metrics != nil {
		g.metrics.AuthzDecisions.WithLabelValues(outcome).Inc()
	}
}

func (g *Gateway) countExperience(skillName string, amount int64) {
	if g.metrics != nil {
		g.metrics.ExperienceAwarded.WithLabelValues(skillName).Add(float64(amount))
	}
}
