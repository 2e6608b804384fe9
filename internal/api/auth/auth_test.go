package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestAuth(t *testing.T) (*echo.Echo, *TokenService, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	_, err = repo.CreateUser(context.Background(), "Ada@Example.com", hash, nil)
	require.NoError(t, err)

	ts := NewTokenService(repo, repo, testSecret)
	e := echo.New()
	NewAuthHandlers(ts, repo).RegisterRoutes(e.Group("/auth"))
	return e, ts, repo
}

func doJSON(e *echo.Echo, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, e *echo.Echo) LoginResponse {
	t.Helper()
	rec := doJSON(e, http.MethodPost, "/auth/login", `{"email":"ada@example.com","password":"correct horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestLoginIssuesTokens(t *testing.T) {
	e, ts, _ := newTestAuth(t)
	resp := login(t, e)

	assert.Equal(t, "ada@example.com", resp.User.Email)
	assert.Equal(t, "user-1", resp.User.ResourceID)
	assert.Equal(t, "Bearer", resp.TokenPair.TokenType)
	assert.Len(t, resp.TokenPair.RefreshToken, 64)

	principal, err := ts.ValidateAccessToken(resp.TokenPair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), principal.UserID)
	assert.Equal(t, "user-1", principal.ResourceID())
}

func TestLoginRejectsBadPassword(t *testing.T) {
	e, _, _ := newTestAuth(t)
	rec := doJSON(e, http.MethodPost, "/auth/login", `{"email":"ada@example.com","password":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(e, http.MethodPost, "/auth/login", `{"email":"who@example.com","password":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(e, http.MethodPost, "/auth/login", `{"email":""}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshRotatesToken(t *testing.T) {
	e, _, _ := newTestAuth(t)
	first := login(t, e)

	rec := doJSON(e, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+first.TokenPair.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pair TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.NotEqual(t, first.TokenPair.RefreshToken, pair.RefreshToken)

	// The consumed token cannot be replayed.
	rec = doJSON(e, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+first.TokenPair.RefreshToken+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	e, _, _ := newTestAuth(t)
	resp := login(t, e)

	rec := doJSON(e, http.MethodPost, "/auth/logout", `{"refresh_token":"`+resp.TokenPair.RefreshToken+`"}`, resp.TokenPair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+resp.TokenPair.RefreshToken+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeRequiresAuth(t *testing.T) {
	e, _, _ := newTestAuth(t)

	rec := doJSON(e, http.MethodGet, "/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(e, http.MethodGet, "/auth/me", "", "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	resp := login(t, e)
	rec = doJSON(e, http.MethodGet, "/auth/me", "", resp.TokenPair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var info UserInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(1), info.ID)
}

func TestValidateAccessTokenRejects(t *testing.T) {
	_, ts, repo := newTestAuth(t)
	user, err := repo.GetUserByID(context.Background(), 1)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		pair, err := ts.CreateTokenPair(context.Background(), user, "", "")
		require.NoError(t, err)
		ts.now = func() time.Time { return time.Now().Add(time.Hour) }
		defer func() { ts.now = time.Now }()
		_, err = ts.ValidateAccessToken(pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenService(repo, repo, "other-secret")
		pair, err := other.CreateTokenPair(context.Background(), user, "", "")
		require.NoError(t, err)
		_, err = ts.ValidateAccessToken(pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{UserID: 1})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = ts.ValidateAccessToken(signed)
		assert.Error(t, err)
	})
}

func TestOptionalAuth(t *testing.T) {
	_, ts, repo := newTestAuth(t)
	user, err := repo.GetUserByID(context.Background(), 1)
	require.NoError(t, err)
	pair, err := ts.CreateTokenPair(context.Background(), user, "", "")
	require.NoError(t, err)

	e := echo.New()
	e.GET("/whoami", func(c echo.Context) error {
		if p := GetPrincipal(c); p != nil {
			return c.String(http.StatusOK, p.ResourceID())
		}
		return c.String(http.StatusOK, "anonymous")
	}, OptionalAuth(ts))

	rec := doJSON(e, http.MethodGet, "/whoami", "", "")
	assert.Equal(t, "anonymous", rec.Body.String())

	rec = doJSON(e, http.MethodGet, "/whoami", "", pair.AccessToken)
	assert.Equal(t, "user-1", rec.Body.String())

	rec = doJSON(e, http.MethodGet, "/whoami", "", "bad")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.CreateUser(ctx, "a@example.com", "x", nil)
	require.NoError(t, err)
	_, err = repo.CreateUser(ctx, " A@example.com ", "y", nil)
	assert.ErrorIs(t, err, ErrEmailTaken)

	now := time.Now()
	require.NoError(t, repo.SaveRefreshToken(ctx, RefreshToken{UserID: 1, TokenHash: "old", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, repo.SaveRefreshToken(ctx, RefreshToken{UserID: 1, TokenHash: "live", ExpiresAt: now.Add(time.Hour)}))

	_, err = repo.ConsumeRefreshToken(ctx, "old", now)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	removed, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, repo.RevokeAllForUser(ctx, 1))
	_, err = repo.ConsumeRefreshToken(ctx, "live", now)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}
