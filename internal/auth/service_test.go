package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagraph-ai/metagraph/internal/observability"
)

func testService(t *testing.T) (*Service, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	issuer := NewTokenIssuer("test-secret", 30*time.Minute, 7*24*time.Hour)
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	svc, err := NewService(context.Background(), store, issuer, logger)
	require.NoError(t, err)
	return svc, store
}

func createUser(t *testing.T, store *Store, username, password, group string, scopes []string) {
	t.Helper()
	ctx := context.Background()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(ctx, username, hash, group))
	grant := make(map[string]string, len(scopes))
	for _, s := range scopes {
		grant[s] = ""
	}
	require.NoError(t, store.SeedScopes(ctx, grant, group))
}

func TestLoginIssuesScopedPair(t *testing.T) {
	svc, store := testService(t)
	createUser(t, store, "alice", "s3cret", "analysts", []string{"get_table", "retrieve_column"})

	pair, err := svc.Login(context.Background(), "alice", "s3cret", nil)
	require.NoError(t, err)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, 1800, pair.ExpiresIn)

	claims, err := svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.ElementsMatch(t, []string{"get_table", "retrieve_column"}, claims.Scopes)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, store := testService(t)
	createUser(t, store, "alice", "s3cret", "analysts", nil)

	_, err := svc.Login(context.Background(), "alice", "wrong", nil)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUser(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.Login(context.Background(), "nobody", "whatever", nil)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginInactiveUser(t *testing.T) {
	svc, store := testService(t)
	createUser(t, store, "bob", "pw", "analysts", nil)
	_, err := store.db.Exec("UPDATE user SET yn = 0 WHERE username = 'bob'")
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), "bob", "pw", nil)
	assert.ErrorIs(t, err, ErrInactiveUser)
}

func TestLoginScopeNarrowing(t *testing.T) {
	svc, store := testService(t)
	createUser(t, store, "alice", "s3cret", "analysts", []string{"get_table", "retrieve_column"})

	pair, err := svc.Login(context.Background(), "alice", "s3cret", []string{"get_table"})
	require.NoError(t, err)
	claims, err := svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"get_table"}, claims.Scopes)

	_, err = svc.Login(context.Background(), "alice", "s3cret", []string{"clear_metadata"})
	assert.ErrorIs(t, err, ErrScopeExceeded)
}

func TestRefreshRotation(t *testing.T) {
	svc, store := testService(t)
	createUser(t, store, "alice", "s3cret", "analysts", []string{"get_table"})
	ctx := context.Background()

	pair, err := svc.Login(ctx, "alice", "s3cret", nil)
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The old refresh token is revoked and replays fail.
	_, err = svc.Refresh(ctx, pair.RefreshToken, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// The rotated token still works.
	_, err = svc.Refresh(ctx, rotated.RefreshToken, nil)
	assert.NoError(t, err)
}

func TestRefreshScopeSubset(t *testing.T) {
	svc, store := testService(t)
	createUser(t, store, "alice", "s3cret", "analysts", []string{"get_table", "retrieve_column"})
	ctx := context.Background()

	pair, err := svc.Login(ctx, "alice", "s3cret", []string{"get_table"})
	require.NoError(t, err)

	// A refresh may not widen beyond what the refresh token carries.
	_, err = svc.Refresh(ctx, pair.RefreshToken, []string{"retrieve_column"})
	assert.ErrorIs(t, err, ErrScopeExceeded)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, store := testService(t)
	createUser(t, store, "alice", "s3cret", "analysts", nil)
	ctx := context.Background()

	pair, err := svc.Login(ctx, "alice", "s3cret", nil)
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, pair.AccessToken, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutRevokes(t *testing.T) {
	svc, store := testService(t)
	createUser(t, store, "alice", "s3cret", "analysts", nil)
	ctx := context.Background()

	pair, err := svc.Login(ctx, "alice", "s3cret", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))

	_, err = svc.Refresh(ctx, pair.RefreshToken, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("正确密码")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("正确密码", hash))
	assert.False(t, VerifyPassword("错误密码", hash))
	assert.False(t, VerifyPassword("x", "not-a-hash"))
}
