// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"robotaxi/internal/http/handlers"
	"robotaxi/internal/http/middleware"
	"robotaxi/internal/infra"
	"robotaxi/internal/modules/order"
)

type RouterDeps struct {
	Coordinator handlers.Coordinator
	// Verifier enables bearer-token auth on /api; nil leaves it open.
	Verifier infra.TokenVerifier
	// Enabled limits route registration to the roles that have a session.
	Enabled func(order.Role) bool
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(deps.Verifier))
	coord := deps.Coordinator
	enabled := deps.Enabled
	if enabled == nil {
		enabled = func(order.Role) bool { return true }
	}

	if enabled(order.RoleRider) {
		rider := api.Group("/rider", middleware.RequireRole(order.RoleRider))
		riderHandler := handlers.NewRiderHandler(coord)
		orders := handlers.NewOrderHandler(coord, order.RoleRider)
		rider.POST("/orders", riderHandler.Create)
		rider.GET("/state", orders.State)
		rider.POST("/cancel", orders.Cancel)
		rider.POST("/complete", orders.Complete)
	}

	if enabled(order.RoleDriver) {
		driver := api.Group("/driver", middleware.RequireRole(order.RoleDriver))
		driverHandler := handlers.NewDriverHandler(coord)
		orders := handlers.NewOrderHandler(coord, order.RoleDriver)
		driver.POST("/orders", driverHandler.Create)
		driver.POST("/arrived", driverHandler.ArrivedPickUp)
		driver.GET("/state", orders.State)
		driver.POST("/cancel", orders.Cancel)
		driver.POST("/complete", orders.Complete)
	}

	api.GET("/notices", handlers.NewNoticeHandler(coord).Stream)
	return r
}
