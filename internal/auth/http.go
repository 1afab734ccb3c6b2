// ABOUTME: HTTP middleware guarding the admin API surface
// ABOUTME: Mode none passes through; password and token modes check the Authorization header

package auth

import (
	"net/http"
	"strings"
)

// Middleware builds the admin-surface guard for the configured auth mode.
// Channel adapters are never routed through this; they authenticate with
// their own provider credentials.
type Middleware struct {
	mode     string
	password *PasswordChecker
	verifier TokenVerifier
}

// NewMiddleware creates a middleware for the given mode. password is used
// in "password" mode, verifier in "token" mode; the unused one may be nil.
func NewMiddleware(mode string, password *PasswordChecker, verifier TokenVerifier) *Middleware {
	return &Middleware{mode: mode, password: password, verifier: verifier}
}

// Wrap guards an HTTP handler according to the configured mode.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m.mode == "" || m.mode == "none" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}

		switch m.mode {
		case "password":
			if err := m.password.Check(credential); err != nil {
				http.Error(w, `{"error":"invalid password"}`, http.StatusUnauthorized)
				return
			}
		case "token":
			if err := m.verifier.Verify(credential); err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
		default:
			http.Error(w, `{"error":"unsupported auth mode"}`, http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken extracts a bearer credential from the Authorization
// header. Returns the credential and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty credential"
	}
	return token, ""
}
