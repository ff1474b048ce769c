package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/feedbox/billing/internal/http/api/middleware"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Rate limit response headers.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Middleware limits requests per tenant or per client IP. Tenant scope must run
// after tenant authentication.
func Middleware(m *Manager, scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		decision := m.Settings().DecisionFor(scope)
		var subject string
		switch scope {
		case ScopeTenant:
			if id, ok := middleware.EnterpriseID(c); ok {
				subject = strconv.FormatUint(id, 10)
			}
		case ScopeIP:
			subject = c.ClientIP()
		}
		key := KeyForDecision(subject, decision)
		if key == "" {
			c.Next()
			return
		}

		result, errAllow := m.Allow(c.Request.Context(), key, decision)
		if errAllow != nil {
			log.WithError(errAllow).WithField("key", key).Warn("rate limit: check failed, allowing request")
			c.Next()
			return
		}
		c.Header(HeaderLimit, strconv.Itoa(decision.Limit))
		c.Header(HeaderRemaining, strconv.Itoa(result.Remaining))
		c.Header(HeaderReset, strconv.FormatInt(result.Reset.Unix(), 10))
		if !result.Allowed {
			retryAfter := int(time.Until(result.Reset).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
