package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/config"
	"github.com/puzzlearena/backend/internal/lobby"
	"github.com/puzzlearena/backend/internal/models"
	"github.com/puzzlearena/backend/internal/presence"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(h gin.HandlerFunc, pattern, path string) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET(pattern, h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	checks := map[string]Check{
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"postgres": func(context.Context) error { return nil },
	}
	h := HealthCheck(checks, zap.NewNop())

	w := serve(h, "/health", "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, map[string]string{"redis": "ok", "postgres": "ok"}, body.Checks)

	mr.Close()
	w = serve(h, "/health", "/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "down", body.Checks["redis"])
	assert.Equal(t, "ok", body.Checks["postgres"])
}

type snapshotFunc func(ctx context.Context, lobbyID string) (*lobby.Snapshot, error)

func (f snapshotFunc) LobbySnapshot(ctx context.Context, lobbyID string) (*lobby.Snapshot, error) {
	return f(ctx, lobbyID)
}

func TestGetLobbySnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	reg := presence.NewRegistry(rdb, time.Minute, zap.NewNop())
	_, err := reg.Join(context.Background(), "blitz", "c1", presence.Member{UserID: "u1", Name: "Alice"})
	require.NoError(t, err)

	s := snapshotFunc(func(ctx context.Context, lobbyID string) (*lobby.Snapshot, error) {
		members, _, err := reg.Snapshot(ctx, lobbyID)
		if err != nil {
			return nil, err
		}
		return &lobby.Snapshot{
			Presence: lobby.PresenceSnapshot{List: members, Count: len(members)},
			Searches: []models.QueueEntry{{ID: "s1", LobbyID: lobbyID, UserID: "u2", Status: models.QueueOpen}},
		}, nil
	})
	h := GetLobbySnapshot(s, zap.NewNop())

	w := serve(h, "/lobbies/:lobbyId/snapshot", "/lobbies/blitz/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Presence struct {
			List  []presence.Member `json:"list"`
			Count int               `json:"count"`
		} `json:"presence"`
		Searches []struct {
			ID     string `json:"id"`
			UserID string `json:"userId"`
		} `json:"searches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Presence.Count)
	assert.Equal(t, []presence.Member{{UserID: "u1", Name: "Alice"}}, body.Presence.List)
	require.Len(t, body.Searches, 1)
	assert.Equal(t, "u2", body.Searches[0].UserID)

	w = serve(h, "/lobbies/:lobbyId/snapshot", "/lobbies/bad%20id/snapshot")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	failing := GetLobbySnapshot(snapshotFunc(func(context.Context, string) (*lobby.Snapshot, error) {
		return nil, errors.New("connection refused")
	}), zap.NewNop())
	w = serve(failing, "/lobbies/:lobbyId/snapshot", "/lobbies/blitz/snapshot")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

type gameFunc func(ctx context.Context, shortID string) (*models.Game, []models.Player, error)

func (f gameFunc) GameByShortID(ctx context.Context, shortID string) (*models.Game, []models.Player, error) {
	return f(ctx, shortID)
}

func TestGetGame(t *testing.T) {
	g := gameFunc(func(_ context.Context, shortID string) (*models.Game, []models.Player, error) {
		if shortID != "ABCD2345" {
			return nil, nil, sql.ErrNoRows
		}
		game := &models.Game{ID: "g1", ShortID: shortID, LobbyID: "blitz", TCSeconds: 180, IncSeconds: 2}
		return game, []models.Player{
			{GameID: "g1", UserID: "u1", Color: models.ColorWhite},
			{GameID: "g1", UserID: "u2", Color: models.ColorBlack},
		}, nil
	})
	h := GetGame(g, zap.NewNop())

	w := serve(h, "/games/:shortId", "/games/ABCD2345")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Game    models.Game     `json:"game"`
		Players []models.Player `json:"players"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "blitz", body.Game.LobbyID)
	assert.Len(t, body.Players, 2)

	assert.Equal(t, http.StatusNotFound, serve(h, "/games/:shortId", "/games/ZZZZ2345").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, "/games/:shortId", "/games/nope").Code)
}

func TestGetConfig(t *testing.T) {
	cfg := &config.Config{QueueExpiryMinutes: 30, PresenceSocketTTLSeconds: 90}
	w := serve(GetConfig(cfg), "/config", "/config")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"minBaseSeconds":15,"maxBaseSeconds":10800,"maxIncSeconds":180,"searchExpiryMinutes":30,"presenceTtlSeconds":90}`, w.Body.String())
}
