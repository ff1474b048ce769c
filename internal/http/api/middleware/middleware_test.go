package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/feedbox/billing/internal/config"
	"github.com/feedbox/billing/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims security.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	cfg := config.JWTConfig{Secret: "secret", MaxAge: time.Hour}
	r.GET("/tenant", TenantAuth(cfg), func(c *gin.Context) {
		id, _ := EnterpriseID(c)
		c.JSON(http.StatusOK, gin.H{"enterprise_id": id})
	})
	r.GET("/admin", AdminAuth(cfg), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestTenantAuth(t *testing.T) {
	r := newRouter()
	now := jwt.NewNumericDate(time.Now())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenant", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/tenant", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, security.Claims{EnterpriseID: 9, RegisteredClaims: jwt.RegisteredClaims{IssuedAt: now}}))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enterprise_id":9}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, security.Claims{EnterpriseID: 9}))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestIDReusesValidInbound(t *testing.T) {
	r := newRouter()
	req := httptest.NewRequest(http.MethodGet, "/tenant", nil)
	req.Header.Set(HeaderRequestID, "6f1c8a52-0d0b-4d55-9f61-2d2f7f0a9d11")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "6f1c8a52-0d0b-4d55-9f61-2d2f7f0a9d11", rec.Header().Get(HeaderRequestID))

	req = httptest.NewRequest(http.MethodGet, "/tenant", nil)
	req.Header.Set(HeaderRequestID, "not-a-uuid\n")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(HeaderRequestID))
}
