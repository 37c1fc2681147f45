package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"fulfillment/pkg/limiter"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// RateLimitConfig rate limiting middleware configuration
type RateLimitConfig struct {
	// Limiter decides per key, a KeyedTokenBucket when nil
	Limiter limiter.RateLimiter
	// Rate requests per second of the default limiter
	Rate float64
	// Burst maximum burst of the default limiter
	Burst int
	// KeyFunc function to generate rate limit key
	KeyFunc func(c *gin.Context) string
}

// RateLimit limits requests per client IP
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	return RateLimitWithConfig(RateLimitConfig{Rate: rps, Burst: burst})
}

// RateLimitWithConfig rate limiting middleware with configuration
func RateLimitWithConfig(config RateLimitConfig) gin.HandlerFunc {
	if config.Limiter == nil {
		config.Limiter = limiter.NewKeyedTokenBucket(rate.Limit(config.Rate), config.Burst)
	}
	if config.KeyFunc == nil {
		config.KeyFunc = func(c *gin.Context) string {
			if id, ok := GetUserID(c); ok {
				return "user:" + strconv.FormatUint(id, 10)
			}
			return c.ClientIP()
		}
	}

	return func(c *gin.Context) {
		key := config.KeyFunc(c)
		allowed, err := config.Limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.WithContext(c.Request.Context()).WithError(err).Warn("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !allowed {
			log.WithFields(map[string]interface{}{
				"key":    key,
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Warn("Rate limit exceeded")

			c.Header("Retry-After", "1")
			utils.AppErrorResponse(c, utils.ErrRateLimit)
			c.Abort()
			return
		}
		c.Next()
	}
}
