package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/config"
)

var productionOrigins = []string{
	"https://puzzlearena.app",
	"https://www.puzzlearena.app",
}

// allowedOrigins lists exact origins accepted outside development.
func allowedOrigins(cfg *config.Config) []string {
	origins := append([]string{}, productionOrigins...)
	if cfg.FrontendURL != "" {
		origins = append(origins, cfg.FrontendURL)
	}
	return origins
}

func devOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost:") ||
		strings.HasPrefix(origin, "http://127.0.0.1:")
}

// CORSMiddleware returns a CORS middleware configured for the environment
func CORSMiddleware(cfg *config.Config, log *zap.Logger) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Length", "Content-Type", "Authorization",
			"Accept", "Cache-Control", "X-Requested-With",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	if cfg.IsProduction() {
		corsConfig.AllowOrigins = allowedOrigins(cfg)
	} else {
		corsConfig.AllowOriginFunc = func(origin string) bool {
			return devOrigin(origin) || origin == cfg.FrontendURL
		}
	}
	log.Info("cors_configured", zap.String("env", cfg.Environment), zap.Strings("origins", corsConfig.AllowOrigins))

	return cors.New(corsConfig)
}

// WebSocketCORSCheck validates WebSocket upgrade origins
func WebSocketCORSCheck(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Only check for WebSocket upgrade requests
		if !strings.Contains(strings.ToLower(c.GetHeader("Connection")), "upgrade") ||
			strings.ToLower(c.GetHeader("Upgrade")) != "websocket" {
			c.Next()
			return
		}

		origin := c.GetHeader("Origin")
		if origin == "" {
			c.AbortWithStatusJSON(400, gin.H{"error": "WebSocket origin required"})
			return
		}

		allowed := false
		if !cfg.IsProduction() && devOrigin(origin) {
			allowed = true
		}
		for _, o := range allowedOrigins(cfg) {
			if origin == o {
				allowed = true
				break
			}
		}

		if !allowed {
			c.AbortWithStatusJSON(403, gin.H{"error": "WebSocket origin not allowed"})
			return
		}

		c.Next()
	}
}
