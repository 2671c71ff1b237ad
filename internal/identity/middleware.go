package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/logging"
)

// ContextKeyCaller is the key for storing the resolved caller in gin context
const ContextKeyCaller = "authCaller"

// Middleware resolves the bearer token and rejects unauthenticated requests.
// On success the caller is stored on both the gin context and the request
// context.
func Middleware(r Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		caller, err := r.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired token.",
			})
			return
		}

		c.Set(ContextKeyCaller, caller)
		ctx := WithCaller(c.Request.Context(), caller)
		ctx = logging.WithCallerID(ctx, caller.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := GetCaller(c)
		if !ok || !caller.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "access_denied",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// GetCaller returns the authenticated caller from context
func GetCaller(c *gin.Context) (Caller, bool) {
	v, exists := c.Get(ContextKeyCaller)
	if !exists {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}
