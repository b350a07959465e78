// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/gateway"
	"courier/internal/http/handlers"
	"courier/internal/http/middleware"
	"courier/internal/types"
)

type RouterDeps struct {
	Orders      handlers.OrderService
	Viewer      handlers.Viewer
	Assigner    handlers.Assigner
	Webhook     handlers.WebhookFinalizer
	Auth        gateway.Authenticator
	Hub         *gateway.Hub
	CORSOrigins []string
	Production  bool
}

func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging(), middleware.CORS(deps.CORSOrigins, deps.Production))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gin.WrapF(deps.Hub.ServeWS))

	webhookHandler := handlers.NewWebhookHandler(deps.Webhook)
	r.POST("/webhooks/payment", webhookHandler.Payment)

	api := r.Group("/api", middleware.Auth(deps.Auth))

	orderHandler := handlers.NewOrderHandler(deps.Orders, deps.Viewer)
	api.GET("/orders/:id/status", orderHandler.Status)
	api.POST("/orders/:id/cancel", middleware.RequireRole(types.RoleCustomer, types.RoleAdmin), orderHandler.Cancel)

	driverHandler := handlers.NewDriverHandler(deps.Orders)
	driver := api.Group("/driver", middleware.RequireRole(types.RoleDriver))
	driver.POST("/orders/:id/advance", driverHandler.Advance)

	adminHandler := handlers.NewAdminHandler(deps.Orders, deps.Assigner)
	admin := api.Group("/admin", middleware.RequireRole(types.RoleAdmin))
	admin.POST("/orders/:id/status", adminHandler.SetStatus)
	admin.POST("/orders/:id/assign", adminHandler.Assign)

	return r
}
