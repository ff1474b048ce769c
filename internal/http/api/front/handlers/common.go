// Package handlers implements the tenant-facing billing endpoints.
package handlers

import (
	"net/http"

	"github.com/feedbox/billing/internal/http/api/middleware"
	"github.com/gin-gonic/gin"
)

func enterpriseID(c *gin.Context) (uint64, bool) {
	id, ok := middleware.EnterpriseID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return id, ok
}
