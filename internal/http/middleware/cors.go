// README: CORS middleware; explicit allowlist in production, any origin otherwise.
package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func CORS(origins []string, production bool) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	switch {
	case production:
		// An empty allowlist denies every cross-origin request.
		cfg.AllowOrigins = origins
		if len(origins) == 0 {
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	case len(origins) > 0:
		cfg.AllowOrigins = origins
	default:
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowHeaders("Authorization", "X-Webhook-Signature")
	cfg.AddExposeHeaders("Content-Length")
	return cors.New(cfg)
}
