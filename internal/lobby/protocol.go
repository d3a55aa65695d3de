package lobby

import (
	"regexp"

	"github.com/puzzlearena/backend/internal/models"
	"github.com/puzzlearena/backend/internal/presence"
)

// Inbound event names.
const (
	EventJoin   = "lobby:join"
	EventLeave  = "lobby:leave"
	EventStart  = "queue:start"
	EventCancel = "queue:cancel"
	EventAccept = "queue:accept"
)

// Ack error codes.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeUnavailable  = "already_matched_or_cancelled"
	CodeSelfMatch    = "self_match_forbidden"
	CodeServerError  = "server_error"
)

// Time control bounds, in seconds.
const (
	MinBaseSeconds = 15
	MaxBaseSeconds = 3 * 60 * 60
	MaxIncSeconds  = 180
)

var lobbyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ValidLobbyID(id string) bool { return lobbyIDPattern.MatchString(id) }

type lobbyPayload struct {
	LobbyID string `json:"lobbyId"`
}

type startPayload struct {
	LobbyID    string   `json:"lobbyId"`
	TCSeconds  *float64 `json:"tcSeconds"`
	IncSeconds *float64 `json:"incSeconds"`
}

type acceptPayload struct {
	SearchID string `json:"searchId"`
}

// Ack replies.

type ErrorAck struct {
	Error string `json:"error"`
}

type OKAck struct {
	OK bool `json:"ok"`
}

type StartAck struct {
	OK       bool   `json:"ok"`
	SearchID string `json:"searchId"`
}

type CancelAck struct {
	OK      bool `json:"ok"`
	Already bool `json:"already,omitempty"`
}

type AcceptAck struct {
	OK      bool   `json:"ok"`
	GameID  string `json:"gameId"`
	ShortID string `json:"shortId"`
}

// Outbound payloads.

type PresenceLeave struct {
	UserID string `json:"userId"`
}

type PresenceSnapshot struct {
	List  []presence.Member `json:"list"`
	Count int               `json:"count"`
}

type SearchOpened struct {
	LobbyID string            `json:"lobbyId"`
	Search  models.QueueEntry `json:"search"`
}

type SearchClosed struct {
	LobbyID string `json:"lobbyId"`
	UserID  string `json:"userId"`
}

type SearchSnapshot struct {
	LobbyID string              `json:"lobbyId"`
	List    []models.QueueEntry `json:"list"`
}

type GameCreated struct {
	GameID  string `json:"gameId"`
	ShortID string `json:"shortId"`
	Color   string `json:"color"`
}

// Snapshot is the combined read model of a lobby.
type Snapshot struct {
	Presence PresenceSnapshot    `json:"presence"`
	Searches []models.QueueEntry `json:"searches"`
}
