// README: Firebase bearer-token auth middleware and caller accessors.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"robotaxi/internal/infra"
	"robotaxi/internal/log"
	"robotaxi/internal/modules/order"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"
)

// Auth rejects requests without a valid Firebase ID token. A nil verifier
// disables the check.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	logger := log.WithComponent("http.auth")
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		caller, err := verifier.Verify(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			logger.Debug().Err(err).Str(log.FieldPath, c.FullPath()).Msg("token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxCallerUID, caller.UID)
		c.Set(ctxCallerRole, caller.Role)
		c.Next()
	}
}

// RequireRole only admits callers acting for role. Callers without a role
// are admitted.
func RequireRole(role order.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if got := CallerRole(c); got != "" && got != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not permitted"})
			return
		}
		c.Next()
	}
}

func CallerUID(c *gin.Context) string { return c.GetString(ctxCallerUID) }

func CallerRole(c *gin.Context) order.Role {
	v, _ := c.Get(ctxCallerRole)
	role, _ := v.(order.Role)
	return role
}
