package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandler_Verify(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should accept the shared secret", func(t *testing.T) {
		assert.True(t, auth.Verify("test-secret"))
	})

	t.Run("should reject wrong or empty tokens", func(t *testing.T) {
		assert.False(t, auth.Verify("wrong-secret"))
		assert.False(t, auth.Verify(""))
	})

	t.Run("should reject everything without a secret", func(t *testing.T) {
		assert.False(t, NewAuthHandler("").Verify(""))
	})
}

func TestToken(t *testing.T) {
	t.Run("should read the bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "bearer  abc ")
		assert.Equal(t, "abc", Token(req))
	})

	t.Run("should fall back to the query parameter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/?access_token=xyz", nil)
		assert.Equal(t, "xyz", Token(req))
	})

	t.Run("should ignore other schemes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic abc")
		assert.Empty(t, Token(req))
	})
}

func TestAuthHandler_Middleware(t *testing.T) {
	handler := NewAuthHandler("test-secret").Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("should pass authenticated requests", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/modes", nil)
		req.Header.Set("Authorization", "Bearer test-secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("should answer 401 otherwise", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/modes", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
		assert.Contains(t, rec.Body.String(), "unauthorized")
	})
}
