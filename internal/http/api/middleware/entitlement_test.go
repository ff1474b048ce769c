package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/feedbox/billing/internal/entitlement"
	"github.com/feedbox/billing/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stubResolver struct {
	ent entitlement.Entitlement
	err error
}

func (s stubResolver) Resolve(context.Context, uint64) (entitlement.Entitlement, error) {
	return s.ent, s.err
}

func featureRouter(resolver EntitlementResolver, authenticated bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/reports", func(c *gin.Context) {
		if authenticated {
			c.Set(ContextEnterpriseID, uint64(7))
		}
		c.Next()
	}, RequireFeature(resolver, entitlement.FeatureReports), func(c *gin.Context) {
		ent, _ := c.Get(ContextEntitlement)
		c.JSON(http.StatusOK, gin.H{"plan": ent.(entitlement.Entitlement).PlanName})
	})
	return r
}

func serveReports(r *gin.Engine) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))
	return rec
}

func TestRequireFeature(t *testing.T) {
	pro := entitlement.Entitlement{PlanName: "Pro", Features: models.PlanFeatures{Reports: true}, Source: entitlement.SourceSubscription}

	rec := serveReports(featureRouter(stubResolver{ent: entitlement.FreeTier()}, true))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), `"feature":"reports"`)

	expired := pro
	expired.Expired = true
	rec = serveReports(featureRouter(stubResolver{ent: expired}, true))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), `"expired":true`)

	rec = serveReports(featureRouter(stubResolver{ent: pro}, true))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"plan":"Pro"}`, rec.Body.String())

	rec = serveReports(featureRouter(stubResolver{err: errors.New("db down")}, true))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")

	rec = serveReports(featureRouter(stubResolver{ent: pro}, false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
