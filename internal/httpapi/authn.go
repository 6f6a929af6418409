package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"aarna.eco/internal/auth"
	"aarna.eco/internal/registry"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer token into the calling address. Reads are
// public; every other method needs a valid token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.URL.Path == "/v1/auth/token" {
			next.ServeHTTP(w, r)
			return
		}
		readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead
		header := r.Header.Get(authHeader)
		if header == "" && readOnly {
			next.ServeHTTP(w, r)
			return
		}
		if a.signer == nil {
			unauthorized(w, r, "authentication is not configured")
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.signer.ParseAndValidate(token)
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}
		ctx := auth.ContextWithCaller(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose token lacks role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.CallerFromContext(r.Context()); !ok {
				unauthorized(w, r, "authentication required")
				return
			}
			if !auth.HasRole(r.Context(), role) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="`+role+`"`)
				writeError(w, r, http.StatusForbidden, "missing role "+role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="aarna"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

// caller returns the authenticated address as a contract identity.
func caller(r *http.Request) (registry.Identity, bool) {
	addr, ok := auth.CallerFromContext(r.Context())
	return registry.Identity(addr), ok
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

type issueTokenRequest struct {
	Address string   `json:"address"`
	Roles   []string `json:"roles"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleIssueToken mints a token for any address. Only enabled in
// development configurations.
func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.opts.IssueTokens || a.signer == nil {
		writeError(w, r, http.StatusNotFound, "token issuance disabled")
		return
	}
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr := strings.TrimSpace(req.Address)
	if addr == "" || len(addr) > 128 {
		writeError(w, r, http.StatusBadRequest, "address is required (max 128 characters)")
		return
	}
	token, expires, err := a.signer.GenerateToken(addr, req.Roles, a.opts.TokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		Address:   addr,
		ExpiresAt: expires,
	})
}
