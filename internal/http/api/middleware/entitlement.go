package middleware

import (
	"context"
	"net/http"

	"github.com/feedbox/billing/internal/entitlement"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ContextEntitlement holds the entitlement resolved by RequireFeature.
const ContextEntitlement = "entitlement"

// EntitlementResolver resolves the effective entitlement of a tenant.
type EntitlementResolver interface {
	Resolve(ctx context.Context, enterpriseID uint64) (entitlement.Entitlement, error)
}

// RequireFeature aborts with 402 when the authenticated tenant lacks feature.
func RequireFeature(resolver EntitlementResolver, feature entitlement.Feature) gin.HandlerFunc {
	return func(c *gin.Context) {
		enterpriseID, ok := EnterpriseID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		ent, errResolve := resolver.Resolve(c.Request.Context(), enterpriseID)
		if errResolve != nil {
			log.WithError(errResolve).WithField("enterprise_id", enterpriseID).Error("entitlement: resolve failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "resolve entitlement failed"})
			return
		}
		if !ent.Allows(feature) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "feature not available on current plan",
				"feature": feature,
				"plan":    ent.PlanName,
				"expired": ent.Expired,
			})
			return
		}
		c.Set(ContextEntitlement, ent)
		c.Next()
	}
}
