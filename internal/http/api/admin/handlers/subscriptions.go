package handlers

import (
	"net/http"

	"github.com/feedbox/billing/internal/subscription"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SubscriptionHandler exposes operator actions on subscriptions.
type SubscriptionHandler struct {
	manager *subscription.Manager
}

// NewSubscriptionHandler constructs a SubscriptionHandler.
func NewSubscriptionHandler(manager *subscription.Manager) *SubscriptionHandler {
	return &SubscriptionHandler{manager: manager}
}

// Sweep moves lapsed subscriptions to past_due immediately.
func (h *SubscriptionHandler) Sweep(c *gin.Context) {
	swept, errSweep := h.manager.Sweep(c.Request.Context())
	if errSweep != nil {
		log.WithError(errSweep).Error("admin: sweep subscriptions failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"swept": swept})
}
