package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fulfillment/pkg/degrade"
	"fulfillment/pkg/utils"
)

// Degrade rejects writes while feature is degraded. Reads keep working so
// callers can still follow orders already in flight.
func Degrade(manager *degrade.Manager, feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if manager == nil || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		strategy, degraded := manager.Check(c.Request.Context(), feature)
		if !degraded {
			c.Next()
			return
		}

		if strategy.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(strategy.RetryAfter))
		}
		utils.AppErrorResponse(c, utils.NewError(utils.CodeUpstreamUnavailable, strategy.Message))
		c.Abort()
	}
}
