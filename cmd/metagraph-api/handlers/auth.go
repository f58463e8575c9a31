package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/metagraph-ai/metagraph/internal/auth"
	"github.com/metagraph-ai/metagraph/internal/observability"
)

// AuthHandler serves the token endpoints.
type AuthHandler struct {
	logger *observability.Logger
	auth   *auth.Service
}

// NewAuthHandler creates the auth endpoint handler.
func NewAuthHandler(logger *observability.Logger, svc *auth.Service) *AuthHandler {
	return &AuthHandler{logger: logger, auth: svc}
}

// Login implements the password grant: form-encoded username, password and
// an optional space-separated scope list.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	scopes := strings.Fields(r.PostFormValue("scope"))

	pair, err := h.auth.Login(r.Context(), username, password, scopes)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	Scopes []string `json:"scopes,omitempty"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates the refresh token presented as a bearer credential,
// optionally narrowing its scopes through the JSON body.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		respondError(w, http.StatusUnauthorized, "bearer refresh token is required")
		return
	}

	// Scope narrowing is optional; an empty body keeps the token's scopes.
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := h.auth.Refresh(r.Context(), token, req.Scopes)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

// Logout revokes the presented refresh token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrScopeExceeded):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInactiveUser),
		errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", "Bearer")
		respondError(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error().Err(err).Msg("auth request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
