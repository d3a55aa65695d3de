package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/api/handlers"
	"github.com/puzzlearena/backend/internal/config"
	"github.com/puzzlearena/backend/internal/middleware"
)

// Deps are the components the HTTP surface serves.
type Deps struct {
	Config    *config.Config
	Log       *zap.Logger
	Checks    map[string]handlers.Check
	Snapshots handlers.Snapshotter
	Games     handlers.GameFinder
	// WebSocket is the upgrade handler for /api/v1/ws.
	WebSocket gin.HandlerFunc
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(d Deps) *gin.Engine {
	if d.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(d.Log))
	router.Use(middleware.CORSMiddleware(d.Config, d.Log))
	SetupRoutes(router, d)
	return router
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, d Deps) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck(d.Checks, d.Log))
		v1.GET("/config", handlers.GetConfig(d.Config))

		v1.GET("/ws", middleware.WebSocketCORSCheck(d.Config), d.WebSocket)

		v1.GET("/lobbies/:lobbyId/snapshot", handlers.GetLobbySnapshot(d.Snapshots, d.Log))
		v1.GET("/games/:shortId", handlers.GetGame(d.Games, d.Log))
	}
}
