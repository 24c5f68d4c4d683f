package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	sloggin "github.com/samber/slog-gin"
)

const errUnauthorized = "Unauthorized"

// callerKey is the gin context key under which Auth stores the token
// subject.
const callerKey = "authCaller"

// Caller returns the subject of the bearer token that authorized the
// request, or "" outside an authenticated route.
func Caller(c *gin.Context) string {
	return c.GetString(callerKey)
}

// Auth admits requests carrying a bearer token HMAC-signed with the
// shared key. The subject names the operator or service that minted the
// token; it is kept in the context and tagged onto the request log line.
func Auth(jwtKey []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawToken, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(rawToken, &claims,
			func(*jwt.Token) (any, error) { return jwtKey, nil },
			jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		c.Set(callerKey, claims.Subject)
		sloggin.AddCustomAttributes(c, slog.String("caller", claims.Subject))
		c.Next()
	}
}
