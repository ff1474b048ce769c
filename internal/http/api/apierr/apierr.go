// Package apierr maps domain errors to HTTP responses.
package apierr

import (
	"errors"
	"net/http"

	"github.com/feedbox/billing/internal/checkout"
	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/http/api/middleware"
	"github.com/feedbox/billing/internal/provisioning"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/feedbox/billing/internal/webhook"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Status returns the HTTP status for err and whether the error text is safe to expose.
func Status(err error) (int, bool) {
	var validation *checkout.ValidationError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, provisioning.ErrInvalidSubdomain),
		errors.Is(err, provisioning.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, true
	case errors.Is(err, gateway.ErrUnknownGateway),
		errors.Is(err, gateway.ErrMalformedWebhook):
		return http.StatusBadRequest, true
	case errors.Is(err, webhook.ErrUnauthenticated):
		return http.StatusUnauthorized, false
	case errors.Is(err, subscription.ErrNotFound),
		errors.Is(err, checkout.ErrEnterpriseNotFound),
		errors.Is(err, checkout.ErrPlanPriceNotFound),
		errors.Is(err, webhook.ErrPaymentNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, provisioning.ErrSubdomainTaken),
		errors.Is(err, checkout.ErrRecurringActive),
		errors.Is(err, subscription.ErrAlreadyCanceled),
		errors.Is(err, subscription.ErrCancelInProgress):
		return http.StatusConflict, true
	case errors.Is(err, gateway.ErrUnsupported):
		return http.StatusNotImplemented, true
	case errors.Is(err, subscription.ErrInvariant),
		errors.Is(err, subscription.ErrInvalidTransition),
		errors.Is(err, provisioning.ErrNoDefaultPlan):
		return http.StatusInternalServerError, true
	case errors.Is(err, gateway.ErrProvider),
		errors.Is(err, provisioning.ErrExternal):
		return http.StatusBadGateway, false
	default:
		return http.StatusInternalServerError, false
	}
}

// Respond writes the JSON error response for err. Server-side failures are logged
// and reported with fallback instead of the error text.
func Respond(c *gin.Context, err error, fallback string) {
	status, expose := Status(err)
	body := gin.H{"error": fallback}
	if expose {
		body["error"] = err.Error()
	}
	var validation *checkout.ValidationError
	if errors.As(err, &validation) {
		body["field"] = validation.Field
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("request_id", c.GetString(middleware.ContextRequestID)).Error(fallback)
	}
	c.AbortWithStatusJSON(status, body)
}
