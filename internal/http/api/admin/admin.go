// Package admin registers operator routes together with the health and metrics endpoints.
package admin

import (
	"github.com/feedbox/billing/internal/config"
	"github.com/feedbox/billing/internal/http/api/admin/handlers"
	"github.com/feedbox/billing/internal/http/api/middleware"
	"github.com/feedbox/billing/internal/provisioning"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Deps are the services the admin routes depend on.
type Deps struct {
	DB            *gorm.DB
	JWT           config.JWTConfig
	Subscriptions *subscription.Manager
	Saga          *provisioning.Saga
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/v0/admin")
	authed.Use(middleware.AdminAuth(deps.JWT))

	enterpriseHandler := handlers.NewEnterpriseHandler(deps.Saga)
	authed.POST("/enterprises", enterpriseHandler.Create)

	planHandler := handlers.NewPlanHandler(deps.DB)
	authed.POST("/plans", planHandler.Create)
	authed.GET("/plans", planHandler.List)
	authed.POST("/plans/:id/prices", planHandler.CreatePrice)

	subscriptionHandler := handlers.NewSubscriptionHandler(deps.Subscriptions)
	authed.POST("/subscriptions/sweep", subscriptionHandler.Sweep)
}
