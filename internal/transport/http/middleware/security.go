package middleware

import "github.com/gin-gonic/gin"

// Security sets response headers suited to the inspection API: job
// payloads can carry sensitive arguments, so nothing it serves may be
// cached, sniffed, or framed.
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		c.Next()
	}
}
