// ABOUTME: HTTP middleware for resolving the caller scope on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the scope to context

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPScopeMiddleware creates an HTTP middleware that resolves the caller
// scope from a bearer JWT and attaches it with WithScope. Requests without
// an Authorization header get the default scope when allowAnonymous is set
// and are rejected otherwise. A present but invalid token is always rejected.
// A nil verifier accepts only anonymous requests.
func HTTPScopeMiddleware(verifier TokenVerifier, allowAnonymous bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" && allowAnonymous {
				next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), DefaultScope())))
				return
			}

			token, errMsg := extractBearerToken(header)
			if errMsg != "" {
				writeAuthError(w, errMsg)
				return
			}
			if verifier == nil {
				writeAuthError(w, "token authentication not configured")
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "error", err)
				writeAuthError(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), claims.Scope())))
		})
	}
}
