// README: Auth middleware; resolves the bearer token to a caller identity and gates roles.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"courier/internal/gateway"
	"courier/internal/types"
)

const ctxKeyIdentity = "caller_identity"

// Auth rejects requests without a valid bearer token. The same
// authenticator backs the realtime handshake.
func Auth(auth gateway.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, err := auth.Authenticate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxKeyIdentity, id)
		c.Next()
	}
}

// RequireRole must run after Auth.
func RequireRole(roles ...types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

func Caller(c *gin.Context) (types.Identity, bool) {
	v, ok := c.Get(ctxKeyIdentity)
	if !ok {
		return types.Identity{}, false
	}
	id, ok := v.(types.Identity)
	return id, ok
}

func CallerUID(c *gin.Context) string {
	id, _ := Caller(c)
	return string(id.ID)
}

func CallerRole(c *gin.Context) types.Role {
	id, _ := Caller(c)
	return id.Role
}
