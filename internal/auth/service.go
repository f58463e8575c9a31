package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/metagraph-ai/metagraph/internal/observability"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInactiveUser       = errors.New("user is inactive")
	ErrScopeExceeded      = errors.New("requested scopes exceed granted scopes")
)

// KnownScopes are the operation scopes the API enforces, seeded into the
// scope table at startup.
var KnownScopes = map[string]string{
	"get_table":          "List a database's tables",
	"get_column":         "Resolve column metadata",
	"retrieve_knowledge": "Hybrid knowledge retrieval",
	"retrieve_column":    "Column retrieval by keywords",
	"retrieve_cell":      "Cell-backed column retrieval",
	"save_metadata":      "Ingest metadata into the graph",
	"clear_metadata":     "Wipe the metadata graph",
}

// TokenPair is the login and refresh response payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Service implements the auth flows over the store and the token issuer.
type Service struct {
	store  *Store
	tokens *TokenIssuer
	logger *observability.Logger
}

// NewService wires the auth service and seeds the known scopes.
func NewService(ctx context.Context, store *Store, tokens *TokenIssuer, logger *observability.Logger) (*Service, error) {
	if err := store.SeedScopes(ctx, KnownScopes, ""); err != nil {
		return nil, fmt.Errorf("seed scopes: %w", err)
	}
	return &Service{store: store, tokens: tokens, logger: logger}, nil
}

// Login verifies credentials and issues a token pair carrying the scopes
// the account's group grants, narrowed to the requested scopes when given.
func (s *Service) Login(ctx context.Context, username, password string, requested []string) (*TokenPair, error) {
	user, err := s.store.GetUser(ctx, username)
	if errors.Is(err, ErrNotFound) {
		// Unknown accounts still burn a hash comparison.
		VerifyPassword(password, dummyHash)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}

	scopes, err := narrowScopes(user.Scopes, requested)
	if err != nil {
		return nil, err
	}
	pair, err := s.issuePair(ctx, username, scopes)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("username", username).Strs("scopes", scopes).Msg("login succeeded")
	return pair, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. Requested scopes must not exceed the refresh token's own.
func (s *Service) Refresh(ctx context.Context, refreshToken string, requested []string) (*TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}

	stored, err := s.store.GetRefreshToken(ctx, claims.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !stored.Active {
		return nil, ErrInvalidToken
	}

	scopes, err := narrowScopes(stored.Scopes, requested)
	if err != nil {
		return nil, err
	}

	if err := s.store.RevokeRefreshToken(ctx, claims.ID); err != nil {
		return nil, err
	}
	pair, err := s.issuePair(ctx, stored.Username, scopes)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("username", stored.Username).Msg("refresh token rotated")
	return pair, nil
}

// Logout revokes the presented refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.Parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return ErrInvalidToken
	}
	return s.store.RevokeRefreshToken(ctx, claims.ID)
}

// VerifyAccess parses an access token and returns its claims.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	return s.tokens.Parse(token, tokenTypeAccess)
}

func (s *Service) issuePair(ctx context.Context, username string, scopes []string) (*TokenPair, error) {
	access, err := s.tokens.IssueAccess(username, scopes)
	if err != nil {
		return nil, err
	}
	refresh, jti, expiresAt, err := s.tokens.IssueRefresh(username, scopes)
	if err != nil {
		return nil, err
	}
	err = s.store.SaveRefreshToken(ctx, RefreshToken{
		JTI:       jti,
		Username:  username,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokens.accessTTL.Seconds()),
	}, nil
}

// narrowScopes validates that every requested scope is granted. An empty
// request keeps the full grant.
func narrowScopes(granted, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return granted, nil
	}
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}
	for _, s := range requested {
		if !have[s] {
			return nil, fmt.Errorf("%w: %s", ErrScopeExceeded, s)
		}
	}
	return requested, nil
}
