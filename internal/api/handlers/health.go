package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var startTime = time.Now()

const version = "1.0.0"

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthCheck reports 200 when every check passes and 503 otherwise.
func HealthCheck(checks map[string]Check, log *zap.Logger) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				log.Warn("health_check_failed", zap.String("check", name), zap.Error(err))
				results[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		c.JSON(status, gin.H{
			"status":  overall,
			"service": "puzzlearena-lobby",
			"version": version,
			"uptime":  time.Since(startTime).String(),
			"checks":  results,
		})
	}
}
