package middleware

import (
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS Cross-Origin Resource Sharing middleware. An empty list or "*" allows
// every origin without credentials.
func CORS(allowOrigins []string) gin.HandlerFunc {
	config := cors.DefaultConfig()

	if len(allowOrigins) == 0 || slices.Contains(allowOrigins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowOrigins
		config.AllowCredentials = true
	}

	config.AllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Authorization",
		"X-Requested-With",
		"Traceparent",
		"Tracestate",
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	config.MaxAge = 12 * time.Hour

	return cors.New(config)
}
