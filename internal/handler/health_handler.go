package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fulfillment/pkg/log"
)

// Checker probes one dependency
type Checker func(ctx context.Context) error

// HealthHandler reports liveness and dependency health
type HealthHandler struct {
	service string
	checks  map[string]Checker
	timeout time.Duration
}

// NewHealthHandler creates a health handler
func NewHealthHandler(service string, checks map[string]Checker) *HealthHandler {
	return &HealthHandler{service: service, checks: checks, timeout: 2 * time.Second}
}

// Register mounts /health and /ping on r
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/ping", h.Ping)
}

// Ping liveness probe
func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// Health runs every checker and answers 503 when any fails
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.WithContext(ctx).WithError(err).WithField("check", name).Warn("Health check failed")
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"service":   h.service,
		"checks":    results,
		"timestamp": time.Now().Unix(),
	})
}
