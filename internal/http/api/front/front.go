// Package front registers the tenant-facing billing routes.
package front

import (
	"github.com/feedbox/billing/internal/checkout"
	"github.com/feedbox/billing/internal/config"
	"github.com/feedbox/billing/internal/entitlement"
	"github.com/feedbox/billing/internal/http/api/front/handlers"
	"github.com/feedbox/billing/internal/http/api/middleware"
	"github.com/feedbox/billing/internal/ratelimit"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps are the services the tenant routes depend on.
type Deps struct {
	DB            *gorm.DB
	JWT           config.JWTConfig
	Subscriptions *subscription.Manager
	Entitlements  *entitlement.Resolver
	Checkout      *checkout.Orchestrator
	RateLimiter   *ratelimit.Manager
}

// RegisterFrontRoutes registers tenant routes behind bearer authentication and the tenant rate limit.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	authed := r.Group("")
	authed.Use(middleware.TenantAuth(deps.JWT))
	authed.Use(ratelimit.Middleware(deps.RateLimiter, ratelimit.ScopeTenant))

	paymentHandler := handlers.NewPaymentHandler(deps.DB, deps.Checkout)
	authed.POST("/payments/checkout", paymentHandler.Checkout)
	authed.POST("/payments/link", paymentHandler.Link)
	authed.GET("/payments", paymentHandler.List)

	subscriptionHandler := handlers.NewSubscriptionHandler(deps.Subscriptions)
	authed.POST("/subscriptions/cancel", subscriptionHandler.Cancel)
	authed.GET("/subscriptions/current", subscriptionHandler.Current)

	entitlementHandler := handlers.NewEntitlementHandler(deps.Entitlements)
	authed.GET("/entitlements", entitlementHandler.Get)

	planHandler := handlers.NewPlanFrontHandler(deps.DB)
	authed.GET("/plans", planHandler.List)

	reportHandler := handlers.NewReportHandler(deps.DB)
	authed.GET("/reports/summary", middleware.RequireFeature(deps.Entitlements, entitlement.FeatureReports), reportHandler.Summary)
}
