package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/audit"
	"github.com/ramzidaher/Penny-sub000/internal/models"
	"github.com/ramzidaher/Penny-sub000/internal/ratelimit"
)

// PerUserRateLimit applies a per-user fixed window ahead of a token
// endpoint. Runs after RequireCallerAuth; the window keys on the
// authenticated subject, not the caller IP.
func PerUserRateLimit(l *ratelimit.Limiter, auditSvc *audit.Service, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserID)

		err := l.Allow(c.Request.Context(), userID)
		if err == nil {
			c.Next()
			return
		}

		if apperr.Is(err, apperr.KindRateLimited) {
			auditSvc.Log(c, audit.Entry{
				EventType:    models.EventRateLimitExceeded,
				Severity:     models.SeverityWarning,
				UserID:       userID,
				Action:       endpoint,
				ErrorMessage: err.Error(),
			})
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   string(apperr.KindRateLimited),
				"message": err.Error(),
			})
			c.Abort()
			return
		}

		// Counter store down. Fail closed rather than waving through
		// unmetered token operations.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   string(apperr.KindTransient),
			"message": "rate limit store unavailable",
		})
		c.Abort()
	}
}
