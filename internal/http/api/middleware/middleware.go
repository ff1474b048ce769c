// Package middleware holds gin middleware shared by the tenant and admin route groups.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/feedbox/billing/internal/config"
	"github.com/feedbox/billing/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Context keys set by the middleware in this package.
const (
	ContextRequestID    = "requestID"
	ContextEnterpriseID = "enterpriseID"
	ContextUserID       = "userID"
	ContextRole         = "role"
)

// HeaderRequestID carries the request id in requests and responses.
const HeaderRequestID = "X-Request-ID"

// RequestID assigns each request an id, reusing a well-formed inbound one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if _, errParse := uuid.Parse(id); errParse != nil {
			id = uuid.NewString()
		}
		c.Set(ContextRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// RequestLogger logs one line per request with the request id.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"request_id": c.GetString(ContextRequestID),
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"duration":   time.Since(started).String(),
		}).Info("http request")
	}
}

// TenantAuth requires a tenant bearer token and exposes its identity on the context.
func TenantAuth(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return bearerAuth(jwtCfg, security.RoleTenant)
}

// AdminAuth requires a bearer token with the admin role.
func AdminAuth(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return bearerAuth(jwtCfg, security.RoleAdmin)
}

func bearerAuth(jwtCfg config.JWTConfig, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token, jwtCfg.MaxAge, time.Now())
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Set(ContextEnterpriseID, claims.EnterpriseID)
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// EnterpriseID returns the authenticated tenant id.
func EnterpriseID(c *gin.Context) (uint64, bool) {
	id := c.GetUint64(ContextEnterpriseID)
	return id, id != 0
}
