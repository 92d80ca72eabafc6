// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkauso/starstraw/internal/gateway/gatewaytest"
	"github.com/hkauso/starstraw/internal/httpapi"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	router *gin.Engine
	env    *gatewaytest.Env
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	env, err := gatewaytest.New(gatewaytest.Options{SessionTTL: time.Hour})
	require.NoError(t, err)

	server, err := httpapi.NewServer("127.0.0.1:0", env.Gateway, time.Hour)
	require.NoError(t, err)

	return &testAPI{router: server.Router(), env: env}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: httpapi.TokenCookie, Value: token})
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// sessionCookie returns the session cookie set on the response, or nil.
func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == httpapi.TokenCookie {
			return c
		}
	}
	return nil
}

func register(t *testing.T, api *testAPI, username, password string) string {
	t.Helper()
	rec := api.do(t, http.MethodPost, "/api/start", "", gin.H{"username": username, "password": password})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cookie := sessionCookie(rec)
	require.NotNil(t, cookie, "registration must set the session cookie")
	return cookie.Value
}

func TestStart(t *testing.T) {
	api := newTestAPI(t)

	t.Run("creates account and sets cookie", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/start", "", gin.H{"username": "alice", "password": "password123"})
		require.Equal(t, http.StatusCreated, rec.Code)

		body := decodeJSON(t, rec)
		assert.Equal(t, "alice", body["username"])
		assert.NotEmpty(t, body["id"])

		cookie := sessionCookie(rec)
		require.NotNil(t, cookie)
		assert.NotEmpty(t, cookie.Value)
		assert.True(t, cookie.Secure)
		assert.True(t, cookie.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	})

	t.Run("duplicate username conflicts", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/start", "", gin.H{"username": "alice", "password": "password456"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/start", "", gin.H{"username": "bob"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid username", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/start", "", gin.H{"username": "1bad", "password": "password123"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("short password", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/start", "", gin.H{"username": "bob", "password": "short"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReturn(t *testing.T) {
	api := newTestAPI(t)
	register(t, api, "alice", "password123")

	t.Run("logs in with correct password", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/return", "", gin.H{"username": "alice", "password": "password123"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotNil(t, sessionCookie(rec))
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/return", "", gin.H{"username": "alice", "password": "wrong password"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid credentials", decodeJSON(t, rec)["error"])
	})

	t.Run("unknown username gets the same response", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/return", "", gin.H{"username": "nobody", "password": "password123"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid credentials", decodeJSON(t, rec)["error"])
	})
}

func TestLogout(t *testing.T) {
	api := newTestAPI(t)
	token := register(t, api, "alice", "password123")

	rec := api.do(t, http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value, "logout clears the cookie")

	t.Run("revoked token no longer identifies", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/me", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/logout", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestMe(t *testing.T) {
	api := newTestAPI(t)
	token := register(t, api, "alice", "password123")

	t.Run("returns user and skill snapshot", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/me", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeJSON(t, rec)
		assert.Equal(t, "alice", body["username"])

		skills, ok := body["skills"].([]any)
		require.True(t, ok)
		require.Len(t, skills, 1)
		first := skills[0].(map[string]any)
		assert.Equal(t, "spirit", first["skill"])
		assert.Equal(t, float64(0), first["level"])
	})

	t.Run("bearer header works without cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no token", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/me", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token clears cookie", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/me", "deadbeef", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		cookie := sessionCookie(rec)
		require.NotNil(t, cookie)
		assert.Empty(t, cookie.Value)
	})
}

func TestChangePassword(t *testing.T) {
	api := newTestAPI(t)
	token := register(t, api, "alice", "password123")

	t.Run("changes password", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/password", token,
			gin.H{"old_password": "password123", "new_password": "new password 1"})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = api.do(t, http.MethodPost, "/api/return", "", gin.H{"username": "alice", "password": "new password 1"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong old password", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/password", token,
			gin.H{"old_password": "password123", "new_password": "another password"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("short new password", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/password", token,
			gin.H{"old_password": "new password 1", "new_password": "short"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthorize(t *testing.T) {
	api := newTestAPI(t)
	token := register(t, api, "alice", "password123")

	t.Run("allowed action", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/authorize/post:create", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeJSON(t, rec)["allowed"])
	})

	t.Run("denied action carries the shortfall", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/authorize/spirit:award", token, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)

		body := decodeJSON(t, rec)
		assert.Equal(t, false, body["allowed"])
		assert.Equal(t, "spirit", body["skill"])
		assert.Equal(t, float64(2), body["required_level"])
		assert.Equal(t, float64(0), body["current_level"])
	})

	t.Run("unknown action denied", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/authorize/no:such:action", token, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("no token", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/authorize/post:create", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAward(t *testing.T) {
	api := newTestAPI(t)
	adminToken := register(t, api, "admin", "password123")
	register(t, api, "alice", "password123")

	t.Run("denied without the gating level", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/spirit/alice/award", adminToken,
			gin.H{"skill": "spirit", "amount": 50})
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, false, decodeJSON(t, rec)["allowed"])
	})

	// Grant the admin the required level directly through the ledger.
	admin, err := api.env.Users.GetByUsername(context.Background(), "admin")
	require.NoError(t, err)
	_, err = api.env.Ledger.SetLevel(context.Background(), admin.ID, "spirit", 2)
	require.NoError(t, err)

	t.Run("awards experience", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/spirit/alice/award", adminToken,
			gin.H{"skill": "spirit", "amount": 150})
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeJSON(t, rec)
		assert.Equal(t, "spirit", body["skill"])
		assert.Equal(t, float64(150), body["experience"])
		assert.Equal(t, float64(1), body["level"])
	})

	t.Run("unknown target user", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/spirit/nobody/award", adminToken,
			gin.H{"skill": "spirit", "amount": 50})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown skill", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/spirit/alice/award", adminToken,
			gin.H{"skill": "alchemy", "amount": 50})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative amount", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/spirit/alice/award", adminToken,
			gin.H{"skill": "spirit", "amount": -5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSetLevel(t *testing.T) {
	api := newTestAPI(t)
	adminToken := register(t, api, "admin", "password123")
	register(t, api, "alice", "password123")

	admin, err := api.env.Users.GetByUsername(context.Background(), "admin")
	require.NoError(t, err)
	_, err = api.env.Ledger.SetLevel(context.Background(), admin.ID, "spirit", 2)
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost, "/api/spirit/alice/level", adminToken,
		gin.H{"skill": "spirit", "level": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, float64(1), body["level"])
	assert.Equal(t, float64(100), body["experience"])
}

func TestCookieRotation(t *testing.T) {
	env, err := gatewaytest.New(gatewaytest.Options{
		SessionTTL:    time.Hour,
		RenewalWindow: 2 * time.Hour, // every validation rotates
	})
	require.NoError(t, err)

	server, err := httpapi.NewServer("127.0.0.1:0", env.Gateway, time.Hour)
	require.NoError(t, err)
	api := &testAPI{router: server.Router(), env: env}

	token := register(t, api, "alice", "password123")

	rec := api.do(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie, "rotation must refresh the cookie")
	require.NotEmpty(t, cookie.Value)
	assert.NotEqual(t, token, cookie.Value)

	t.Run("rotated token works, old token is dead", func(t *testing.T) {
		fresh := api.do(t, http.MethodGet, "/api/me", cookie.Value, nil)
		// The fresh token rotates again; only the status matters here.
		assert.Equal(t, http.StatusOK, fresh.Code)

		stale := api.do(t, http.MethodGet, "/api/me", token, nil)
		assert.Equal(t, http.StatusUnauthorized, stale.Code)
	})

	t.Run("password change refreshes the cookie", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/return", "", gin.H{"username": "alice", "password": "password123"})
		require.Equal(t, http.StatusOK, rec.Code)
		loginToken := sessionCookie(rec).Value

		rec = api.do(t, http.MethodPost, "/api/password", loginToken,
			gin.H{"old_password": "password123", "new_password": "new password 1"})
		require.Equal(t, http.StatusOK, rec.Code)

		refreshed := sessionCookie(rec)
		require.NotNil(t, refreshed, "rotated token must be re-set as a cookie")
		require.NotEmpty(t, refreshed.Value)
		assert.NotEqual(t, loginToken, refreshed.Value)

		// The refreshed cookie holds the live session; the presented token
		// died in the rotation.
		assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/me", refreshed.Value, nil).Code)
		assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/api/me", loginToken, nil).Code)
	})

	t.Run("denied admin action still refreshes the cookie", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/return", "", gin.H{"username": "alice", "password": "new password 1"})
		require.Equal(t, http.StatusOK, rec.Code)
		loginToken := sessionCookie(rec).Value

		rec = api.do(t, http.MethodPost, "/api/spirit/alice/award", loginToken,
			gin.H{"skill": "spirit", "amount": 10})
		require.Equal(t, http.StatusForbidden, rec.Code)

		refreshed := sessionCookie(rec)
		require.NotNil(t, refreshed)
		assert.NotEqual(t, loginToken, refreshed.Value)
		assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/me", refreshed.Value, nil).Code)
	})
}

func TestNoRoute(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route not found", decodeJSON(t, rec)["error"])
}

func TestNewServer_NilGateway(t *testing.T) {
	_, err := httpapi.NewServer("127.0.0.1:0", nil, time.Hour)
	assert.Error(t, err)
}
