package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fatflowers/entitlement/pkg/logctx"
	"github.com/fatflowers/entitlement/pkg/response"
)

const GinAuthClaimsKey = "authClaims"

// AuthClaims are the claims of an access token issued by the auth backend.
// The subject is the account id.
type AuthClaims struct {
	jwt.StandardClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

func bearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, msg))
}

// AuthMiddleware verifies an HS256 bearer token and stores the subject as the
// request user id. An empty secret rejects every request.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" || secret == "" {
			unauthorized(c, "missing bearer token")
			return
		}
		claims := &AuthClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || claims.Subject == "" {
			logctx.FromGin(c, zap.NewNop().Sugar()).Infow("rejected access token", "err", err)
			unauthorized(c, "invalid token")
			return
		}

		userID := claims.Subject
		c.Set(GinAuthClaimsKey, claims)
		c.Set(logctx.GinUserIDKey, userID)
		ctx := logctx.WithUserID(c.Request.Context(), userID)
		if l, ok := c.Get(logctx.GinLoggerKey); ok {
			if lg, ok := l.(*zap.SugaredLogger); ok && lg != nil {
				lg = lg.With("user_id", userID)
				c.Set(logctx.GinLoggerKey, lg)
				ctx = logctx.WithLogger(ctx, lg)
			}
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole must run after AuthMiddleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get(GinAuthClaimsKey)
		claims, ok := v.(*AuthClaims)
		if !ok || !lo.Contains(roles, claims.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, response.ErrorT[any](response.APIResponseCodeUnauthorized, "forbidden"))
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(logctx.GinUserIDKey)
}
