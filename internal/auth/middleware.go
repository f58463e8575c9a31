package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const claimsKey contextKey = "auth.claims"

// ClaimsFromContext returns the verified claims of the current request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// RequireScopes guards a route: requests need a valid access token carrying
// every listed scope. Missing or invalid tokens answer 401, insufficient
// scopes answer 403, both with a WWW-Authenticate challenge.
func (s *Service) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	challenge := fmt.Sprintf("Bearer scope=%q", strings.Join(scopes, " "))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", challenge)
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			claims, err := s.VerifyAccess(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", challenge)
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			have := make(map[string]bool, len(claims.Scopes))
			for _, scope := range claims.Scopes {
				have[scope] = true
			}
			for _, scope := range scopes {
				if !have[scope] {
					w.Header().Set("WWW-Authenticate", challenge)
					http.Error(w, "insufficient scope", http.StatusForbidden)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}
