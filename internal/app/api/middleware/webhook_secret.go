package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

// WebhookSecret checks the static Authorization header a provider dashboard
// is configured to send. The header may carry the raw value or "Bearer <value>".
// An empty secret disables the check.
func WebhookSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := strings.TrimSpace(c.GetHeader("Authorization"))
		if !secretEqual(got, secret) && !secretEqual(bearerToken(c), secret) {
			unauthorized(c, "invalid webhook authorization")
			return
		}
		c.Next()
	}
}

func secretEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
