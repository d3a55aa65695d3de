package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Dispatcher delivers a ready-made frame to locally attached connections.
type Dispatcher interface {
	DeliverToLobby(lobbyID string, frame []byte)
	DeliverToUser(userID string, frame []byte)
}

// Subscription relays pub/sub frames to a local Dispatcher.
type Subscription struct {
	pubsub *redis.PubSub
	d      Dispatcher
	log    *zap.Logger
}

// Subscribe registers the events:* pattern and returns once Redis has
// confirmed it, so nothing published afterwards is missed.
func Subscribe(ctx context.Context, rdb *redis.Client, d Dispatcher, log *zap.Logger) (*Subscription, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pubsub := rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("psubscribe events: %w", err)
	}
	return &Subscription{pubsub: pubsub, d: d, log: log}, nil
}

// Run forwards messages to the dispatcher until ctx is done.
func (s *Subscription) Run(ctx context.Context) {
	ch := s.pubsub.Channel()
	s.log.Info("event_subscriber_started")
	defer s.log.Info("event_subscriber_stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *Subscription) dispatch(channel string, frame []byte) {
	if id, ok := strings.CutPrefix(channel, lobbyPrefix); ok {
		s.d.DeliverToLobby(id, frame)
		return
	}
	if id, ok := strings.CutPrefix(channel, userPrefix); ok {
		s.d.DeliverToUser(id, frame)
		return
	}
	s.log.Warn("event_unknown_channel", zap.String("channel", channel))
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
