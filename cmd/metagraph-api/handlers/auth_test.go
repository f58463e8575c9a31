package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagraph-ai/metagraph/internal/auth"
	"github.com/metagraph-ai/metagraph/internal/observability"
)

func testAuthHandler(t *testing.T) (*AuthHandler, *auth.Service) {
	t.Helper()
	ctx := context.Background()

	store, err := auth.NewStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	issuer := auth.NewTokenIssuer("test-secret", 30*time.Minute, 7*24*time.Hour)
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	svc, err := auth.NewService(ctx, store, issuer, logger)
	require.NoError(t, err)

	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(ctx, "alice", hash, "analysts"))
	require.NoError(t, store.SeedScopes(ctx, map[string]string{"get_table": ""}, "analysts"))

	return NewAuthHandler(logger, svc), svc
}

func refreshWithBearer(h *AuthHandler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)
	return rec
}

func TestRefreshReadsBearerToken(t *testing.T) {
	h, svc := testAuthHandler(t)
	pair, err := svc.Login(context.Background(), "alice", "s3cret", nil)
	require.NoError(t, err)

	rec := refreshWithBearer(h, pair.RefreshToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var rotated auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// Rotation revoked the presented token.
	replay := refreshWithBearer(h, pair.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestRefreshWithoutBearerIsUnauthorized(t *testing.T) {
	h, _ := testAuthHandler(t)

	rec := refreshWithBearer(h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}
