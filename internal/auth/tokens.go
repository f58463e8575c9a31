package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims carries the token's subject, scopes and kind.
type Claims struct {
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and parses HS256 JWTs.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer builds an issuer from the shared secret and token TTLs.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (t *TokenIssuer) sign(username, tokenType, jti string, scopes []string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		Scopes:    scopes,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// IssueAccess signs a short-lived access token.
func (t *TokenIssuer) IssueAccess(username string, scopes []string) (string, error) {
	return t.sign(username, tokenTypeAccess, uuid.NewString(), scopes, t.accessTTL)
}

// IssueRefresh signs a refresh token and returns it with its jti and expiry
// for persistence.
func (t *TokenIssuer) IssueRefresh(username string, scopes []string) (token, jti string, expiresAt time.Time, err error) {
	jti = uuid.NewString()
	expiresAt = t.now().Add(t.refreshTTL)
	token, err = t.sign(username, tokenTypeRefresh, jti, scopes, t.refreshTTL)
	return token, jti, expiresAt, err
}

var ErrInvalidToken = errors.New("invalid token")

// Parse validates a signed token of the expected kind and returns its claims.
func (t *TokenIssuer) Parse(token, expectedType string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != expectedType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
