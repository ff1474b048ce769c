package handlers

import (
	"net/http"

	"github.com/feedbox/billing/internal/http/api/apierr"
	"github.com/feedbox/billing/internal/models"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/gin-gonic/gin"
)

// SubscriptionHandler serves the tenant's subscription endpoints.
type SubscriptionHandler struct {
	manager *subscription.Manager
}

// NewSubscriptionHandler constructs a SubscriptionHandler.
func NewSubscriptionHandler(manager *subscription.Manager) *SubscriptionHandler {
	return &SubscriptionHandler{manager: manager}
}

// Current returns the subscription that currently governs the tenant.
func (h *SubscriptionHandler) Current(c *gin.Context) {
	id, ok := enterpriseID(c)
	if !ok {
		return
	}
	sub, errCurrent := h.manager.Current(c.Request.Context(), id)
	if errCurrent != nil {
		apierr.Respond(c, errCurrent, "load subscription failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": subscriptionView(sub)})
}

// Cancel cancels the current subscription.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	id, ok := enterpriseID(c)
	if !ok {
		return
	}
	sub, errCancel := h.manager.Cancel(c.Request.Context(), id)
	if errCancel != nil {
		apierr.Respond(c, errCancel, "cancel subscription failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": subscriptionView(sub)})
}

func subscriptionView(sub *models.Subscription) gin.H {
	return gin.H{
		"id":             sub.ID,
		"plan_price_id":  sub.PlanPriceID,
		"status":         sub.Status,
		"start_date":     sub.StartDate,
		"end_date":       sub.EndDate,
		"trial_end_date": sub.TrialEndDate,
		"gateway":        sub.Gateway,
		"canceled_at":    sub.CanceledAt,
	}
}
