package handlers

import (
	"net/http"

	"github.com/feedbox/billing/internal/http/api/apierr"
	"github.com/feedbox/billing/internal/provisioning"
	"github.com/gin-gonic/gin"
)

// EnterpriseHandler provisions new tenants.
type EnterpriseHandler struct {
	saga *provisioning.Saga
}

// NewEnterpriseHandler constructs an EnterpriseHandler.
func NewEnterpriseHandler(saga *provisioning.Saga) *EnterpriseHandler {
	return &EnterpriseHandler{saga: saga}
}

// Create runs the provisioning saga for a new enterprise.
func (h *EnterpriseHandler) Create(c *gin.Context) {
	var body provisioning.Request
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	enterprise, errProvision := h.saga.Provision(c.Request.Context(), body)
	if errProvision != nil {
		apierr.Respond(c, errProvision, "provision enterprise failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":             enterprise.ID,
		"name":           enterprise.Name,
		"subdomain":      enterprise.Subdomain,
		"domain":         h.saga.FQDN(enterprise.Subdomain),
		"email":          enterprise.Email,
		"provisioned_at": enterprise.ProvisionedAt,
		"created_at":     enterprise.CreatedAt,
	})
}
