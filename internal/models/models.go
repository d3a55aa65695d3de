package models

import (
	"database/sql"
	"time"
)

// Queue entry status values.
const (
	QueueOpen      = "open"
	QueueMatched   = "matched"
	QueueCancelled = "cancelled"
)

// Player colors.
const (
	ColorWhite = "white"
	ColorBlack = "black"
)

// QueueEntry is one user's open duel search in a lobby.
type QueueEntry struct {
	ID            string         `db:"id" json:"id"`
	LobbyID       string         `db:"lobby_id" json:"lobbyId"`
	UserID        string         `db:"user_id" json:"userId"`
	Username      string         `db:"username" json:"username"`
	Rating        int            `db:"rating" json:"rating"`
	TCSeconds     int            `db:"tc_seconds" json:"tcSeconds"`
	IncSeconds    int            `db:"inc_seconds" json:"incSeconds"`
	Status        string         `db:"status" json:"status"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
	MatchedGameID sql.NullString `db:"matched_game_id" json:"-"`
}

// Game is a duel created from an accepted search.
type Game struct {
	ID         string    `db:"id" json:"id"`
	ShortID    string    `db:"short_id" json:"shortId"`
	LobbyID    string    `db:"lobby_id" json:"lobbyId"`
	TCSeconds  int       `db:"tc_seconds" json:"tcSeconds"`
	IncSeconds int       `db:"inc_seconds" json:"incSeconds"`
	StartedAt  time.Time `db:"started_at" json:"startedAt"`
}

// Player is one side of a Game.
type Player struct {
	GameID    string `db:"game_id" json:"gameId"`
	UserID    string `db:"user_id" json:"userId"`
	Username  string `db:"username" json:"username"`
	Color     string `db:"color" json:"color"`
	RatingPre int    `db:"rating_pre" json:"ratingPre"`
}

// OppositeColor returns the other side of c.
func OppositeColor(c string) string {
	if c == ColorWhite {
		return ColorBlack
	}
	return ColorWhite
}
