package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/puzzlearena/backend/internal/config"
	"github.com/puzzlearena/backend/internal/lobby"
)

// GetConfig returns the limits the lobby UI needs to build valid requests.
func GetConfig(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"minBaseSeconds":      lobby.MinBaseSeconds,
			"maxBaseSeconds":      lobby.MaxBaseSeconds,
			"maxIncSeconds":       lobby.MaxIncSeconds,
			"searchExpiryMinutes": cfg.QueueExpiryMinutes,
			"presenceTtlSeconds":  cfg.PresenceSocketTTLSeconds,
		})
	}
}
