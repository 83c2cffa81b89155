package middleware

import (
	"strings"

	"rewards-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const roleContextKey = "caller_role"

// deriveRoleFromAPIKey guesses the caller class from the API key pattern.
func deriveRoleFromAPIKey(key string) string {
	switch {
	case strings.HasPrefix(key, "admin_"):
		return "admin"
	case strings.HasPrefix(key, "service_"):
		return "service"
	default:
		return "public"
	}
}

// Role stamps the caller role onto the context based on X-API-Key.
func Role() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(roleContextKey, deriveRoleFromAPIKey(c.GetHeader("X-API-Key")))
		c.Next()
	}
}

// RequireAdmin rejects requests whose key does not carry the admin role. When
// an exact admin key is configured it must also match.
func RequireAdmin(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if deriveRoleFromAPIKey(key) != "admin" || (adminKey != "" && key != adminKey) {
			_ = c.Error(errutil.New(errutil.StatusForbidden, "admin access required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// CallerRole returns the role stamped by Role, defaulting to "public".
func CallerRole(c *gin.Context) string {
	if v, ok := c.Get(roleContextKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "public"
}
