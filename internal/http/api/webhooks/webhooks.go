// Package webhooks registers the payment gateway webhook endpoints.
package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/feedbox/billing/internal/http/api/apierr"
	"github.com/feedbox/billing/internal/ratelimit"
	"github.com/feedbox/billing/internal/webhook"
	"github.com/gin-gonic/gin"
)

// MaxBodyBytes caps the size of a webhook payload.
const MaxBodyBytes = 1 << 20

// Routes maps each webhook path to its gateway name.
var Routes = map[string]string{
	"/webhook-mp-payments":     "mercadopago",
	"/webhook-asaas-payments":  "asaas",
	"/webhook-stripe-payments": "stripe",
}

// Handler feeds webhook deliveries to the reconciler.
type Handler struct {
	reconciler *webhook.Reconciler
}

// NewHandler constructs a Handler.
func NewHandler(reconciler *webhook.Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterWebhookRoutes registers one POST route per gateway behind the per-IP rate limit.
func RegisterWebhookRoutes(r *gin.Engine, reconciler *webhook.Reconciler, limiter *ratelimit.Manager) {
	if r == nil || reconciler == nil {
		return
	}
	h := NewHandler(reconciler)
	group := r.Group("")
	group.Use(ratelimit.Middleware(limiter, ratelimit.ScopeIP))
	for path, gatewayName := range Routes {
		group.POST(path, h.Receive(gatewayName))
	}
}

// Receive returns the handler for deliveries from gatewayName. Deliveries that
// were applied, duplicated, ignored or reference unknown payments are
// acknowledged with 200 so the gateway stops retrying.
func (h *Handler) Receive(gatewayName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, errRead := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
		if errRead != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(errRead, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
			return
		}

		outcome, errHandle := h.reconciler.Handle(c.Request.Context(), gatewayName, webhook.Delivery{
			Header: c.Request.Header.Clone(),
			Query:  c.Request.URL.Query(),
			Body:   body,
		})
		if errHandle != nil {
			apierr.Respond(c, errHandle, "webhook processing failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
	}
}
