package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher sends events to every instance through Redis pub/sub.
type Publisher struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewPublisher creates a new Publisher
func NewPublisher(rdb *redis.Client, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{rdb: rdb, log: log}
}

// ToLobby fans an event out to every connection in the lobby on every
// process.
func (p *Publisher) ToLobby(ctx context.Context, lobbyID, event string, data any) error {
	return p.publish(ctx, LobbyChannel(lobbyID), event, data)
}

// ToUser delivers an event to every connection of one user, wherever it is
// attached.
func (p *Publisher) ToUser(ctx context.Context, userID, event string, data any) error {
	return p.publish(ctx, UserChannel(userID), event, data)
}

func (p *Publisher) publish(ctx context.Context, channel, event string, data any) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	n, err := p.rdb.Publish(ctx, channel, frame).Result()
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	p.log.Debug("event_published", zap.String("channel", channel), zap.String("event", event), zap.Int64("receivers", n))
	return nil
}
