package queue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/models"
)

const entryColumns = `id, lobby_id, user_id, username, rating, tc_seconds, inc_seconds, status, created_at, matched_game_id`

const gameColumns = `id, short_id, lobby_id, tc_seconds, inc_seconds, started_at`

const shortIDAttempts = 5

// Store is the durable matchmaking queue. Every cross-process guarantee it
// gives comes from Postgres: a partial unique index for one open entry per
// lobby and user, a conditional update for the claim, and a unique short id.
type Store struct {
	db   *sqlx.DB
	log  *zap.Logger
	rand io.Reader
}

// NewStore creates a new Store
func NewStore(db *sqlx.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log, rand: rand.Reader}
}

// StartParams describes the search a user opens.
type StartParams struct {
	LobbyID    string
	UserID     string
	Username   string
	Rating     int
	TCSeconds  int
	IncSeconds int
}

// Participant is the accepting side of a match.
type Participant struct {
	UserID   string
	Username string
	Rating   int
}

// Match is the result of a successful accept.
type Match struct {
	Entry models.QueueEntry
	Game  models.Game
	White models.Player
	Black models.Player
}

// ColorOf returns the color userID plays in the match, or "" if it does not
// take part.
func (m *Match) ColorOf(userID string) string {
	switch userID {
	case m.White.UserID:
		return models.ColorWhite
	case m.Black.UserID:
		return models.ColorBlack
	}
	return ""
}

// Start opens a search for (lobby, user). If one is already open it is
// returned instead and created is false.
func (s *Store) Start(ctx context.Context, p StartParams) (*models.QueueEntry, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin start: %w", err)
	}
	defer tx.Rollback()

	var e models.QueueEntry
	created := false
	// A concurrent cancel can close the existing row between the insert and
	// the select, so allow one more insert.
	for attempt := 0; attempt < 2; attempt++ {
		err = tx.GetContext(ctx, &e, `
			INSERT INTO queue_entries (id, lobby_id, user_id, username, rating, tc_seconds, inc_seconds, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'open')
			ON CONFLICT (lobby_id, user_id) WHERE status = 'open' DO NOTHING
			RETURNING `+entryColumns,
			uuid.NewString(), p.LobbyID, p.UserID, p.Username, p.Rating, p.TCSeconds, p.IncSeconds)
		if err == nil {
			created = true
			break
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("insert queue entry: %w", err)
		}

		err = tx.GetContext(ctx, &e, `
			SELECT `+entryColumns+`
			FROM queue_entries
			WHERE lobby_id = $1 AND user_id = $2 AND status = 'open'
		`, p.LobbyID, p.UserID)
		if err == nil {
			break
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("load open entry: %w", err)
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("start search: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit start: %w", err)
	}
	return &e, created, nil
}

// Cancel closes the open entry for (lobby, user), if any. It reports whether
// a row changed.
func (s *Store) Cancel(ctx context.Context, lobbyID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'cancelled'
		WHERE lobby_id = $1 AND user_id = $2 AND status = 'open'
	`, lobbyID, userID)
	if err != nil {
		return false, fmt.Errorf("cancel search: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel search: %w", err)
	}
	return n > 0, nil
}

// Accept claims the open entry for acceptor and creates the game with both
// players in the same transaction. Any failure rolls everything back and the
// entry stays open.
func (s *Store) Accept(ctx context.Context, entryID string, acceptor Participant) (*Match, error) {
	if _, err := uuid.Parse(entryID); err != nil {
		return nil, ErrNotAvailable
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin accept: %w", err)
	}
	defer tx.Rollback()

	var e models.QueueEntry
	err = tx.GetContext(ctx, &e, `
		UPDATE queue_entries
		SET status = 'matched'
		WHERE id = $1 AND status = 'open'
		RETURNING `+entryColumns, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}

	if e.UserID == acceptor.UserID {
		return nil, ErrSelfMatch
	}

	g, err := s.insertGame(ctx, tx, e)
	if err != nil {
		return nil, err
	}

	requesterWhite, err := coinFlip(s.rand)
	if err != nil {
		return nil, err
	}
	requester := models.Player{GameID: g.ID, UserID: e.UserID, Username: e.Username, Color: models.ColorBlack, RatingPre: e.Rating}
	if requesterWhite {
		requester.Color = models.ColorWhite
	}
	other := models.Player{GameID: g.ID, UserID: acceptor.UserID, Username: acceptor.Username, Color: models.OppositeColor(requester.Color), RatingPre: acceptor.Rating}
	white, black := requester, other
	if !requesterWhite {
		white, black = other, requester
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO players (game_id, user_id, username, color, rating_pre)
		VALUES (:game_id, :user_id, :username, :color, :rating_pre)
	`, []models.Player{white, black}); err != nil {
		return nil, fmt.Errorf("insert players: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET matched_game_id = $1 WHERE id = $2
	`, g.ID, e.ID); err != nil {
		return nil, fmt.Errorf("link entry to game: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accept: %w", err)
	}

	e.MatchedGameID = sql.NullString{String: g.ID, Valid: true}
	s.log.Info("duel_created",
		zap.String("game_id", g.ID),
		zap.String("short_id", g.ShortID),
		zap.String("lobby", e.LobbyID),
		zap.String("white", white.UserID),
		zap.String("black", black.UserID))

	return &Match{Entry: e, Game: *g, White: white, Black: black}, nil
}

// insertGame inserts the game row, redrawing the short id on collision.
func (s *Store) insertGame(ctx context.Context, tx *sqlx.Tx, e models.QueueEntry) (*models.Game, error) {
	gameID := uuid.NewString()
	for attempt := 1; attempt <= shortIDAttempts; attempt++ {
		short, err := NewShortID(s.rand)
		if err != nil {
			return nil, err
		}

		var g models.Game
		err = tx.GetContext(ctx, &g, `
			INSERT INTO games (id, short_id, lobby_id, tc_seconds, inc_seconds)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (short_id) DO NOTHING
			RETURNING `+gameColumns,
			gameID, short, e.LobbyID, e.TCSeconds, e.IncSeconds)
		if err == nil {
			return &g, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("insert game: %w", err)
		}
		s.log.Warn("short_id_collision", zap.String("short_id", short), zap.Int("attempt", attempt))
	}
	return nil, ErrShortIDExhausted
}

// ListOpen returns the open entries of a lobby, oldest first.
func (s *Store) ListOpen(ctx context.Context, lobbyID string) ([]models.QueueEntry, error) {
	entries := []models.QueueEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE lobby_id = $1 AND status = 'open'
		ORDER BY created_at ASC, id ASC
	`, lobbyID)
	if err != nil {
		return nil, fmt.Errorf("list open entries: %w", err)
	}
	return entries, nil
}

// Get loads one entry by id. It returns sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	if err := s.db.GetContext(ctx, &e, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &e, nil
}

// GameByShortID loads a game and its players by public id. It returns
// sql.ErrNoRows when absent.
func (s *Store) GameByShortID(ctx context.Context, shortID string) (*models.Game, []models.Player, error) {
	var g models.Game
	if err := s.db.GetContext(ctx, &g, `SELECT `+gameColumns+` FROM games WHERE short_id = $1`, shortID); err != nil {
		return nil, nil, err
	}
	players := []models.Player{}
	if err := s.db.SelectContext(ctx, &players, `
		SELECT game_id, user_id, username, color, rating_pre
		FROM players
		WHERE game_id = $1
		ORDER BY color DESC
	`, g.ID); err != nil {
		return nil, nil, fmt.Errorf("load players: %w", err)
	}
	return &g, players, nil
}

// ExpireStale cancels up to limit open entries created before cutoff and
// returns them. Rows locked by a concurrent accept or cancel are skipped.
func (s *Store) ExpireStale(ctx context.Context, cutoff time.Time, limit int) ([]models.QueueEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback()

	var ids []string
	err = tx.SelectContext(ctx, &ids, `
		SELECT id
		FROM queue_entries
		WHERE status = 'open' AND created_at < $1
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select stale entries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	expired := []models.QueueEntry{}
	err = tx.SelectContext(ctx, &expired, `
		UPDATE queue_entries
		SET status = 'cancelled'
		WHERE id = ANY($1::uuid[]) AND status = 'open'
		RETURNING `+entryColumns, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("expire entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}
	return expired, nil
}
