package lobby

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Identity is who is behind a connection. Guests may watch lobbies but not
// queue or accept.
type Identity struct {
	UserID string
	Name   string
	Rating int
	Guest  bool
}

const DefaultRating = 1500

// GuestIdentity makes a throwaway identity for an unauthenticated connection.
func GuestIdentity() Identity {
	id := uuid.NewString()
	return Identity{
		UserID: "guest-" + id,
		Name:   "Guest " + strings.ToUpper(id[:4]),
		Rating: DefaultRating,
		Guest:  true,
	}
}

// Conn is the transport side of a session.
type Conn interface {
	// Send delivers an event to this connection only.
	Send(event string, data any)
	// JoinRoom and LeaveRoom control which lobby broadcasts reach it.
	JoinRoom(lobbyID string)
	LeaveRoom(lobbyID string)
}

// Session is the server-side state of one live connection.
type Session struct {
	ID string
	Identity

	conn Conn
	// op serializes presence changes of this connection between its read
	// loop and the presence refresher.
	op      sync.Mutex
	mu      sync.Mutex
	lobbies map[string]struct{}
}

func NewSession(id string, ident Identity, conn Conn) *Session {
	return &Session{ID: id, Identity: ident, conn: conn, lobbies: make(map[string]struct{})}
}

// Lobbies returns the joined lobby ids in order.
func (s *Session) Lobbies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.lobbies))
	for id := range s.lobbies {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) InLobby(lobbyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lobbies[lobbyID]
	return ok
}

func (s *Session) addLobby(lobbyID string) {
	s.mu.Lock()
	s.lobbies[lobbyID] = struct{}{}
	s.mu.Unlock()
}

// removeLobby reports whether the session was in the lobby.
func (s *Session) removeLobby(lobbyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lobbies[lobbyID]; !ok {
		return false
	}
	delete(s.lobbies, lobbyID)
	return true
}
