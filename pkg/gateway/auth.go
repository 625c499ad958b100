package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthHandler checks bearer tokens against the shared secret
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Verify reports whether token matches the shared secret
func (a *AuthHandler) Verify(token string) bool {
	if a.sharedSecret == "" || token == "" {
		return false
	}
	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(token)) == 1
}

// Token extracts the bearer token of a request. Websocket clients that
// cannot set headers may pass it as the access_token query parameter.
func Token(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

// Middleware rejects requests without a valid bearer token
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(Token(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tempo"`)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "A valid bearer token is required."})
			return
		}
		next.ServeHTTP(w, r)
	})
}
