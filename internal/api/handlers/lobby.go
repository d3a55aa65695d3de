package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/lobby"
	"github.com/puzzlearena/backend/internal/models"
	"github.com/puzzlearena/backend/internal/queue"
)

type Snapshotter interface {
	LobbySnapshot(ctx context.Context, lobbyID string) (*lobby.Snapshot, error)
}

type GameFinder interface {
	GameByShortID(ctx context.Context, shortID string) (*models.Game, []models.Player, error)
}

// GetLobbySnapshot returns who is online in a lobby and its open searches.
func GetLobbySnapshot(s Snapshotter, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		lobbyID := c.Param("lobbyId")
		if !lobby.ValidLobbyID(lobbyID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lobby id"})
			return
		}

		snap, err := s.LobbySnapshot(c.Request.Context(), lobbyID)
		if err != nil {
			log.Error("lobby_snapshot_failed", zap.String("lobby", lobbyID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetGame returns a created duel and its players by short id.
func GetGame(g GameFinder, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		shortID := c.Param("shortId")
		if !queue.ValidShortID(shortID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
			return
		}

		game, players, err := g.GameByShortID(c.Request.Context(), shortID)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
			return
		}
		if err != nil {
			log.Error("game_lookup_failed", zap.String("short_id", shortID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"game": game, "players": players})
	}
}
