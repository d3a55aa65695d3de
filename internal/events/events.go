// Package events carries lobby and per-user events between server processes
// over Redis pub/sub. A published payload is the exact frame a client
// receives, so subscribers forward it without decoding the data.
package events

import (
	"encoding/json"
	"fmt"
)

// Outbound event names.
const (
	PresenceJoin     = "presence:join"
	PresenceLeave    = "presence:leave"
	PresenceSnapshot = "presence:snapshot"
	SearchOpened     = "mm:open"
	SearchClosed     = "mm:close"
	SearchSnapshot   = "mm:snapshot"
	GameCreated      = "game:created"
	Ack              = "ack"
)

const (
	channelPrefix = "events:"
	lobbyPrefix   = channelPrefix + "lobby:"
	userPrefix    = channelPrefix + "user:"
)

func LobbyChannel(lobbyID string) string { return lobbyPrefix + lobbyID }
func UserChannel(userID string) string   { return userPrefix + userID }

// Frame is the wire envelope in both directions. Ack is set on client
// requests that want a reply and echoed on the reply.
type Frame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// EncodeAck marshals the reply to a client request.
func EncodeAck(id int64, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return json.Marshal(Frame{Event: Ack, Ack: &id, Data: raw})
}
