package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/quernworks/quern/internal/transport/http/middleware"
)

const signingKey = "inspection-api-test-key-32-chars"

func init() {
	gin.SetMode(gin.TestMode)
}

// protectedEngine guards GET /jobs with Auth; the handler echoes the
// caller so tests can assert the subject landed in the context.
func protectedEngine() *gin.Engine {
	r := gin.New()
	r.GET("/jobs", middleware.Auth([]byte(signingKey)), func(c *gin.Context) {
		c.String(http.StatusOK, middleware.Caller(c))
	})
	return r
}

func signToken(t *testing.T, method jwt.SigningMethod, key string, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestAuth_RejectsBadCredentials(t *testing.T) {
	valid := jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	anonymous := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"non-bearer scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired token", "Bearer " + signToken(t, jwt.SigningMethodHS256, signingKey, expired)},
		{"wrong signing key", "Bearer " + signToken(t, jwt.SigningMethodHS256, "another-32-char-signing-key!!!!!", valid)},
		{"disallowed signing method", "Bearer " + signToken(t, jwt.SigningMethodHS384, signingKey, valid)},
		{"empty subject", "Bearer " + signToken(t, jwt.SigningMethodHS256, signingKey, anonymous)},
	}

	r := protectedEngine()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestAuth_ValidTokenExposesCaller(t *testing.T) {
	tok := signToken(t, jwt.SigningMethodHS256, signingKey, jwt.RegisteredClaims{
		Subject:   "ops@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	protectedEngine().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "ops@example.com" {
		t.Errorf("caller = %q, want ops@example.com", got)
	}
}
