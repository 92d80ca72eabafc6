// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hkauso/starstraw/internal/auth"
	"github.com/hkauso/starstraw/internal/gateway"
	"github.com/hkauso/starstraw/internal/skill"
	"github.com/hkauso/starstraw/pkg/errutil"
)

// TokenCookie is the session cookie name. The __Secure- prefix requires the
// Secure attribute, which browsers enforce.
const TokenCookie = "__Secure-Token"

// Handler holds the route handlers.
type Handler struct {
	gw       *gateway.Gateway
	tokenTTL time.Duration
}

// NewHandler creates a Handler.
func NewHandler(gw *gateway.Gateway, tokenTTL time.Duration) *Handler {
	return &Handler{gw: gw, tokenTTL: tokenTTL}
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type passwordChangeRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

type awardRequest struct {
	Skill  string `json:"skill" binding:"required"`
	Amount int64  `json:"amount"`
}

type levelRequest struct {
	Skill string `json:"skill" binding:"required"`
	Level int    `json:"level"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type progressResponse struct {
	Skill      string `json:"skill"`
	Level      int    `json:"level"`
	Experience int64  `json:"experience"`
}

// Start registers a new account and issues a session.
func (h *Handler) Start(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, token, err := h.gw.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.setTokenCookie(c, token)
	c.JSON(http.StatusCreated, toUserResponse(user))
}

// Return logs an existing account in.
func (h *Handler) Return(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, token, err := h.gw.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.setTokenCookie(c, token)
	c.JSON(http.StatusOK, toUserResponse(user))
}

// Logout revokes the presented session and clears the cookie.
func (h *Handler) Logout(c *gin.Context) {
	token, ok := h.extractToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session token"})
		return
	}

	if err := h.gw.Logout(c.Request.Context(), token); err != nil {
		h.writeError(c, err)
		return
	}

	h.clearTokenCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// Me returns the authenticated user and their full skill snapshot.
func (h *Handler) Me(c *gin.Context) {
	token, ok := h.extractToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session token"})
		return
	}

	user, result, err := h.gw.Identify(c.Request.Context(), token)
	if err != nil {
		h.writeError(c, err)
		return
	}

	snapshot, progressResult, err := h.gw.Progress(c.Request.Context(), h.effectiveToken(token, result))
	if err != nil {
		h.refreshCookie(c, result)
		h.writeError(c, err)
		return
	}
	// Both calls can rotate; the cookie must carry the latest live token.
	h.refreshCookie(c, lastRotation(result, progressResult))

	skills := make([]progressResponse, 0, len(snapshot))
	for _, p := range snapshot {
		skills = append(skills, progressResponse{Skill: p.Skill, Level: p.Level, Experience: p.Experience})
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID.String(),
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"skills":     skills,
	})
}

// ChangePassword replaces the caller's password after re-verification.
func (h *Handler) ChangePassword(c *gin.Context) {
	token, ok := h.extractToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session token"})
		return
	}

	var req passwordChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.gw.ChangePassword(c.Request.Context(), token, req.OldPassword, req.NewPassword)
	h.refreshCookie(c, result)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// Authorize checks whether the caller may perform the action in the path.
// Allowed checks return 200; denials return 403 with the reason.
func (h *Handler) Authorize(c *gin.Context) {
	token, ok := h.extractToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session token"})
		return
	}

	action := c.Param("action")
	decision, result, err := h.gw.Authorize(c.Request.Context(), token, action)
	if err != nil {
		if result != nil {
			// Session was fine; the progress read failed.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authorization unavailable"})
			return
		}
		h.writeError(c, err)
		return
	}
	h.refreshCookie(c, result)

	if !decision.Allowed {
		c.JSON(http.StatusForbidden, gin.H{
			"allowed":        false,
			"reason":         decision.Reason,
			"skill":          decision.Skill,
			"required_level": decision.RequiredLevel,
			"current_level":  decision.CurrentLevel,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"allowed": true})
}

// Award grants experience to the named user's skill.
func (h *Handler) Award(c *gin.Context) {
	token, ok := h.extractToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session token"})
		return
	}

	var req awardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	progress, result, err := h.gw.AwardExperience(c.Request.Context(), token, c.Param("username"), req.Skill, req.Amount)
	h.refreshCookie(c, result)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, progressResponse{Skill: progress.Skill, Level: progress.Level, Experience: progress.Experience})
}

// SetLevel pins the named user's skill to an exact level.
func (h *Handler) SetLevel(c *gin.Context) {
	token, ok := h.extractToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session token"})
		return
	}

	var req levelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	progress, result, err := h.gw.SetLevel(c.Request.Context(), token, c.Param("username"), req.Skill, req.Level)
	h.refreshCookie(c, result)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, progressResponse{Skill: progress.Skill, Level: progress.Level, Experience: progress.Experience})
}

// extractToken reads the session token from the cookie or, failing that,
// the Authorization bearer header.
func (h *Handler) extractToken(c *gin.Context) (string, bool) {
	if cookie, err := c.Cookie(TokenCookie); err == nil && cookie != "" {
		return cookie, true
	}
	header := c.GetHeader("Authorization")
	if token, found := strings.CutPrefix(header, "Bearer "); found && token != "" {
		return token, true
	}
	return "", false
}

func (h *Handler) setTokenCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(TokenCookie, token, int(h.tokenTTL.Seconds()), "/", "", true, true)
}

func (h *Handler) clearTokenCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(TokenCookie, "", -1, "/", "", true, true)
}

// refreshCookie re-sets the cookie when validation rotated the token. The
// old token is already revoked; without this the client would be logged out.
func (h *Handler) refreshCookie(c *gin.Context, result *auth.ValidationResult) {
	if result != nil && result.RotatedToken != "" {
		h.setTokenCookie(c, result.RotatedToken)
	}
}

// effectiveToken returns the rotated token when one was issued during this
// request, so follow-up gateway calls use the live token.
func (h *Handler) effectiveToken(token string, result *auth.ValidationResult) string {
	if result != nil && result.RotatedToken != "" {
		return result.RotatedToken
	}
	return token
}

// lastRotation picks the most recent validation result that rotated, so a
// handler validating twice sets the cookie from the final rotation only.
func lastRotation(first, second *auth.ValidationResult) *auth.ValidationResult {
	if second != nil && second.RotatedToken != "" {
		return second
	}
	return first
}

func toUserResponse(user *auth.User) userResponse {
	return userResponse{
		ID:        user.ID.String(),
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
	}
}

// writeError maps domain errors to HTTP statuses. Unmatched errors become
// opaque 500s so internals never leak to clients.
func (h *Handler) writeError(c *gin.Context, err error) {
	var denied *gateway.DeniedError
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{
			"allowed":        false,
			"reason":         denied.Decision.Reason,
			"skill":          denied.Decision.Skill,
			"required_level": denied.Decision.RequiredLevel,
			"current_level":  denied.Decision.CurrentLevel,
		})
	case errors.Is(err, auth.ErrAuthFailed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, auth.ErrSessionNotFound),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrSessionRevoked):
		h.clearTokenCookie(c)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
	case errors.Is(err, auth.ErrDuplicateUsername):
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
	case errors.Is(err, auth.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, skill.ErrUnknownSkill):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown skill"})
	case errors.Is(err, skill.ErrNegativeAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount cannot be negative"})
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// isValidationError matches input validation failures raised before any
// storage work happens.
func isValidationError(err error) bool {
	for _, code := range []string{"AUTH_INVALID_USERNAME", "AUTH_INVALID_PASSWORD"} {
		if errutil.HasCode(err, code) {
			return true
		}
	}
	return false
}
