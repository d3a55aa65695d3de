package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/events"
	"github.com/puzzlearena/backend/internal/models"
	"github.com/puzzlearena/backend/internal/presence"
	"github.com/puzzlearena/backend/internal/queue"
)

// Presence tracks which users are online in each lobby.
type Presence interface {
	Join(ctx context.Context, lobbyID, connID string, m presence.Member) (bool, error)
	Leave(ctx context.Context, lobbyID, connID, userID string) (bool, error)
	Snapshot(ctx context.Context, lobbyID string) (members []presence.Member, gone []string, err error)
}

// Queue persists searches and turns an accepted search into a game.
type Queue interface {
	Start(ctx context.Context, p queue.StartParams) (*models.QueueEntry, bool, error)
	Cancel(ctx context.Context, lobbyID, userID string) (bool, error)
	Accept(ctx context.Context, entryID string, acceptor queue.Participant) (*queue.Match, error)
	ListOpen(ctx context.Context, lobbyID string) ([]models.QueueEntry, error)
}

// Broadcaster fans events out to lobby rooms and user sessions.
type Broadcaster interface {
	ToLobby(ctx context.Context, lobbyID, event string, data any) error
	ToUser(ctx context.Context, userID, event string, data any) error
}

// Service runs lobby, queue and disconnect handling for every connection on
// this process. It holds no per-lobby state of its own.
type Service struct {
	presence  Presence
	queue     Queue
	bus       Broadcaster
	log       *zap.Logger
	opTimeout time.Duration
}

// NewService creates a new lobby Service. Each operation runs with its own
// timeout of opTimeout, detached from the caller's cancellation.
func NewService(p Presence, q Queue, bus Broadcaster, log *zap.Logger, opTimeout time.Duration) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Service{presence: p, queue: q, bus: bus, log: log, opTimeout: opTimeout}
}

// operation detaches ctx from the connection so a client going away does
// not abort a transaction midway.
func (s *Service) operation(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}

func fail(code string) ErrorAck { return ErrorAck{Error: code} }

// Handle dispatches one inbound event and returns the ack payload.
func (s *Service) Handle(ctx context.Context, sess *Session, event string, data json.RawMessage) any {
	switch event {
	case EventJoin:
		var p lobbyPayload
		if err := decode(data, &p); err != nil {
			return fail(CodeBadRequest)
		}
		return s.Join(ctx, sess, p.LobbyID)

	case EventLeave:
		var p lobbyPayload
		if err := decode(data, &p); err != nil {
			return fail(CodeBadRequest)
		}
		return s.Leave(ctx, sess, p.LobbyID)

	case EventStart:
		if sess.Guest {
			return fail(CodeUnauthorized)
		}
		var p startPayload
		if err := decode(data, &p); err != nil {
			return fail(CodeBadRequest)
		}
		tc, inc, ok := timeControl(p.TCSeconds, p.IncSeconds)
		if !ok {
			return fail(CodeBadRequest)
		}
		return s.StartSearch(ctx, sess, p.LobbyID, tc, inc)

	case EventCancel:
		var p lobbyPayload
		if err := decode(data, &p); err != nil {
			return fail(CodeBadRequest)
		}
		return s.CancelSearch(ctx, sess, p.LobbyID)

	case EventAccept:
		var p acceptPayload
		if err := decode(data, &p); err != nil {
			return fail(CodeBadRequest)
		}
		return s.AcceptSearch(ctx, sess, p.SearchID)
	}

	s.log.Debug("unknown_event", zap.String("event", event), zap.String("conn", sess.ID))
	return fail(CodeBadRequest)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(data, v)
}

// timeControl accepts whole, finite seconds within bounds. A missing
// increment means zero.
func timeControl(tc, inc *float64) (int, int, bool) {
	if tc == nil {
		return 0, 0, false
	}
	incVal := 0.0
	if inc != nil {
		incVal = *inc
	}
	for _, v := range []float64{*tc, incVal} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return 0, 0, false
		}
	}
	if *tc < MinBaseSeconds || *tc > MaxBaseSeconds || incVal < 0 || incVal > MaxIncSeconds {
		return 0, 0, false
	}
	return int(*tc), int(incVal), true
}

// Join subscribes the connection to the lobby, marks it present and sends it
// both snapshots. Presence failures are logged; joining still succeeds.
func (s *Service) Join(ctx context.Context, sess *Session, lobbyID string) any {
	if !ValidLobbyID(lobbyID) {
		return fail(CodeBadRequest)
	}
	ctx, cancel := s.operation(ctx)
	defer cancel()
	sess.op.Lock()
	defer sess.op.Unlock()

	sess.addLobby(lobbyID)
	sess.conn.JoinRoom(lobbyID)

	member := presence.Member{UserID: sess.UserID, Name: sess.Name}
	first, err := s.presence.Join(ctx, lobbyID, sess.ID, member)
	if err != nil {
		s.log.Warn("presence_join_failed", zap.String("lobby", lobbyID), zap.String("user", sess.UserID), zap.Error(err))
	}
	if first {
		s.publishLobby(ctx, lobbyID, events.PresenceJoin, member)
	}

	s.sendSnapshots(ctx, sess, lobbyID)
	return OKAck{OK: true}
}

func (s *Service) sendSnapshots(ctx context.Context, sess *Session, lobbyID string) {
	snap, err := s.LobbySnapshot(ctx, lobbyID)
	if err != nil {
		s.log.Warn("lobby_snapshot_failed", zap.String("lobby", lobbyID), zap.Error(err))
		return
	}
	sess.conn.Send(events.PresenceSnapshot, snap.Presence)
	sess.conn.Send(events.SearchSnapshot, SearchSnapshot{LobbyID: lobbyID, List: snap.Searches})
}

// LobbySnapshot reads who is online and which searches are open. Members
// found expired while reading are announced as having left.
func (s *Service) LobbySnapshot(ctx context.Context, lobbyID string) (*Snapshot, error) {
	members, gone, err := s.presence.Snapshot(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	for _, userID := range gone {
		s.publishLobby(ctx, lobbyID, events.PresenceLeave, PresenceLeave{UserID: userID})
	}
	open, err := s.queue.ListOpen(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Presence: PresenceSnapshot{List: members, Count: len(members)},
		Searches: open,
	}, nil
}

// Leave unsubscribes the connection from the lobby. Open searches survive an
// explicit leave; only a disconnect cancels them.
func (s *Service) Leave(ctx context.Context, sess *Session, lobbyID string) any {
	if !ValidLobbyID(lobbyID) {
		return fail(CodeBadRequest)
	}
	sess.op.Lock()
	defer sess.op.Unlock()
	if !sess.removeLobby(lobbyID) {
		return OKAck{OK: true}
	}
	ctx, cancel := s.operation(ctx)
	defer cancel()

	sess.conn.LeaveRoom(lobbyID)
	s.leavePresence(ctx, sess, lobbyID)
	return OKAck{OK: true}
}

func (s *Service) leavePresence(ctx context.Context, sess *Session, lobbyID string) {
	last, err := s.presence.Leave(ctx, lobbyID, sess.ID, sess.UserID)
	if err != nil {
		s.log.Warn("presence_leave_failed", zap.String("lobby", lobbyID), zap.String("user", sess.UserID), zap.Error(err))
		return
	}
	if last {
		s.publishLobby(ctx, lobbyID, events.PresenceLeave, PresenceLeave{UserID: sess.UserID})
	}
}

// StartSearch opens a duel search in a lobby the connection has joined.
func (s *Service) StartSearch(ctx context.Context, sess *Session, lobbyID string, tcSeconds, incSeconds int) any {
	if sess.Guest {
		return fail(CodeUnauthorized)
	}
	if !ValidLobbyID(lobbyID) || !sess.InLobby(lobbyID) {
		return fail(CodeBadRequest)
	}
	ctx, cancel := s.operation(ctx)
	defer cancel()

	entry, created, err := s.queue.Start(ctx, queue.StartParams{
		LobbyID:    lobbyID,
		UserID:     sess.UserID,
		Username:   sess.Name,
		Rating:     sess.Rating,
		TCSeconds:  tcSeconds,
		IncSeconds: incSeconds,
	})
	if err != nil {
		s.log.Error("queue_start_failed", zap.String("lobby", lobbyID), zap.String("user", sess.UserID), zap.Error(err))
		return fail(CodeServerError)
	}
	if created {
		s.log.Info("search_opened", zap.String("lobby", lobbyID), zap.String("user", sess.UserID), zap.String("search", entry.ID))
		s.publishLobby(ctx, lobbyID, events.SearchOpened, SearchOpened{LobbyID: lobbyID, Search: *entry})
	}
	return StartAck{OK: true, SearchID: entry.ID}
}

// CancelSearch closes the user's open search in the lobby, if any.
func (s *Service) CancelSearch(ctx context.Context, sess *Session, lobbyID string) any {
	if sess.Guest {
		return fail(CodeUnauthorized)
	}
	if !ValidLobbyID(lobbyID) {
		return fail(CodeBadRequest)
	}
	ctx, cancel := s.operation(ctx)
	defer cancel()

	changed, err := s.queue.Cancel(ctx, lobbyID, sess.UserID)
	if err != nil {
		s.log.Error("queue_cancel_failed", zap.String("lobby", lobbyID), zap.String("user", sess.UserID), zap.Error(err))
		return fail(CodeServerError)
	}
	if !changed {
		return CancelAck{OK: true, Already: true}
	}
	s.publishLobby(ctx, lobbyID, events.SearchClosed, SearchClosed{LobbyID: lobbyID, UserID: sess.UserID})
	return CancelAck{OK: true}
}

// AcceptSearch claims a search and tells both players about the new game.
func (s *Service) AcceptSearch(ctx context.Context, sess *Session, searchID string) any {
	if sess.Guest {
		return fail(CodeUnauthorized)
	}
	if _, err := uuid.Parse(searchID); err != nil {
		return fail(CodeBadRequest)
	}
	ctx, cancel := s.operation(ctx)
	defer cancel()

	m, err := s.queue.Accept(ctx, searchID, queue.Participant{
		UserID:   sess.UserID,
		Username: sess.Name,
		Rating:   sess.Rating,
	})
	switch {
	case errors.Is(err, queue.ErrNotAvailable):
		return fail(CodeUnavailable)
	case errors.Is(err, queue.ErrSelfMatch):
		return fail(CodeSelfMatch)
	case err != nil:
		s.log.Error("queue_accept_failed", zap.String("search", searchID), zap.String("user", sess.UserID), zap.Error(err))
		return fail(CodeServerError)
	}

	for _, p := range []models.Player{m.White, m.Black} {
		if err := s.bus.ToUser(ctx, p.UserID, events.GameCreated, GameCreated{
			GameID:  m.Game.ID,
			ShortID: m.Game.ShortID,
			Color:   p.Color,
		}); err != nil {
			s.log.Warn("game_created_publish_failed", zap.String("game", m.Game.ID), zap.String("user", p.UserID), zap.Error(err))
		}
	}
	s.publishLobby(ctx, m.Entry.LobbyID, events.SearchClosed, SearchClosed{LobbyID: m.Entry.LobbyID, UserID: m.Entry.UserID})

	return AcceptAck{OK: true, GameID: m.Game.ID, ShortID: m.Game.ShortID}
}

// Disconnect cancels the user's open searches and drops presence in every
// lobby the connection joined. It must run before the transport forgets the
// connection's rooms. Failures are logged and not retried.
func (s *Service) Disconnect(ctx context.Context, sess *Session) {
	ctx, cancel := s.operation(ctx)
	defer cancel()
	sess.op.Lock()
	defer sess.op.Unlock()

	for _, lobbyID := range sess.Lobbies() {
		if !sess.Guest {
			changed, err := s.queue.Cancel(ctx, lobbyID, sess.UserID)
			if err != nil {
				s.log.Warn("disconnect_cancel_failed", zap.String("lobby", lobbyID), zap.String("user", sess.UserID), zap.Error(err))
			} else if changed {
				s.publishLobby(ctx, lobbyID, events.SearchClosed, SearchClosed{LobbyID: lobbyID, UserID: sess.UserID})
			}
		}
		s.leavePresence(ctx, sess, lobbyID)
		sess.removeLobby(lobbyID)
	}
	s.log.Debug("session_closed", zap.String("conn", sess.ID), zap.String("user", sess.UserID))
}

// Refresh re-asserts presence for a live connection so its socket TTL never
// lapses. If the entry had expired anyway, the user is announced again.
func (s *Service) Refresh(ctx context.Context, sess *Session) {
	ctx, cancel := s.operation(ctx)
	defer cancel()
	sess.op.Lock()
	defer sess.op.Unlock()

	member := presence.Member{UserID: sess.UserID, Name: sess.Name}
	for _, lobbyID := range sess.Lobbies() {
		first, err := s.presence.Join(ctx, lobbyID, sess.ID, member)
		if err != nil {
			s.log.Warn("presence_refresh_failed", zap.String("lobby", lobbyID), zap.String("user", sess.UserID), zap.Error(err))
			continue
		}
		if first {
			s.publishLobby(ctx, lobbyID, events.PresenceJoin, member)
		}
	}
}

// SearchExpired announces a search closed by the expiry sweeper.
func (s *Service) SearchExpired(ctx context.Context, e models.QueueEntry) {
	s.publishLobby(ctx, e.LobbyID, events.SearchClosed, SearchClosed{LobbyID: e.LobbyID, UserID: e.UserID})
}

func (s *Service) publishLobby(ctx context.Context, lobbyID, event string, data any) {
	if err := s.bus.ToLobby(ctx, lobbyID, event, data); err != nil {
		s.log.Warn("lobby_publish_failed", zap.String("lobby", lobbyID), zap.String("event", event), zap.Error(err))
	}
}
