package handlers

import (
	"net/http"

	"github.com/feedbox/billing/internal/entitlement"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// EntitlementHandler exposes the tenant's resolved capabilities.
type EntitlementHandler struct {
	resolver *entitlement.Resolver
}

// NewEntitlementHandler constructs an EntitlementHandler.
func NewEntitlementHandler(resolver *entitlement.Resolver) *EntitlementHandler {
	return &EntitlementHandler{resolver: resolver}
}

// Get returns the tenant's entitlement.
func (h *EntitlementHandler) Get(c *gin.Context) {
	id, ok := enterpriseID(c)
	if !ok {
		return
	}
	ent, errResolve := h.resolver.Resolve(c.Request.Context(), id)
	if errResolve != nil {
		log.WithError(errResolve).WithField("enterprise_id", id).Error("entitlements: resolve failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve entitlements failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlement": ent})
}
