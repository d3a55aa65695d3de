package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Namespace is the key prefix owned by the registry. Everything under it is
// disposable and is purged by Reconcile on startup.
const Namespace = "presence:"

const maxWatchRetries = 8

// ErrContended is returned when an optimistic transaction keeps losing to
// concurrent writers on the same key.
var ErrContended = errors.New("presence: too much contention")

// Member is one online user as shown in a lobby snapshot.
type Member struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Registry tracks which users are online in which lobby. A user is online in
// a lobby while its socket set there is non-empty; the set carries a TTL so
// entries left by a crashed process disappear on their own.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

// NewRegistry creates a new Registry whose socket entries expire after socketTTL.
func NewRegistry(rdb *redis.Client, socketTTL time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{rdb: rdb, ttl: socketTTL, log: log}
}

func membersKey(lobbyID string) string { return Namespace + lobbyID + ":members" }
func infoKey(lobbyID string) string    { return Namespace + lobbyID + ":info" }
func socketsKey(lobbyID, userID string) string {
	return Namespace + lobbyID + ":sockets:" + userID
}

// Join attributes connID to the user in the lobby and refreshes the socket
// TTL. It reports true when this connection made the user go online, which
// happens for exactly one of any number of concurrent joins.
func (r *Registry) Join(ctx context.Context, lobbyID, connID string, m Member) (bool, error) {
	info, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("marshal member: %w", err)
	}

	sk := socketsKey(lobbyID, m.UserID)
	var added, card *redis.IntCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, sk, connID)
		card = pipe.SCard(ctx, sk)
		pipe.Expire(ctx, sk, r.ttl)
		pipe.SAdd(ctx, membersKey(lobbyID), m.UserID)
		pipe.HSet(ctx, infoKey(lobbyID), m.UserID, info)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence join: %w", err)
	}
	return added.Val() == 1 && card.Val() == 1, nil
}

// Leave detaches connID. When it was the user's last connection in the lobby
// the user is removed from the member set and info hash in the same
// transaction and Leave reports true. Leave also reports true when it clears
// a member whose socket set had already expired. Unknown connections are
// otherwise a no-op.
func (r *Registry) Leave(ctx context.Context, lobbyID, connID, userID string) (bool, error) {
	sk := socketsKey(lobbyID, userID)

	var last bool
	txf := func(tx *redis.Tx) error {
		last = false
		attached, err := tx.SIsMember(ctx, sk, connID).Result()
		if err != nil {
			return err
		}
		n, err := tx.SCard(ctx, sk).Result()
		if err != nil {
			return err
		}
		if !attached {
			if n > 0 {
				return nil
			}
			// The socket set lapsed while the member stayed listed.
			var removed *redis.IntCmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				removed = pipe.SRem(ctx, membersKey(lobbyID), userID)
				pipe.HDel(ctx, infoKey(lobbyID), userID)
				return nil
			})
			if err == nil {
				last = removed.Val() == 1
			}
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, sk, connID)
			if n <= 1 {
				pipe.Del(ctx, sk)
				pipe.SRem(ctx, membersKey(lobbyID), userID)
				pipe.HDel(ctx, infoKey(lobbyID), userID)
			}
			return nil
		})
		if err == nil && n <= 1 {
			last = true
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.rdb.Watch(ctx, txf, sk)
		if err == nil {
			return last, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("presence leave: %w", err)
	}
	return false, ErrContended
}

// Snapshot lists the users online in the lobby, ordered by user id. Missing
// or unreadable info records fall back to the user id as the name. Members
// whose socket set has expired are left out and pruned; gone holds the ids
// this call pruned, each reported by exactly one caller.
func (r *Registry) Snapshot(ctx context.Context, lobbyID string) (members []Member, gone []string, err error) {
	ids, err := r.rdb.SMembers(ctx, membersKey(lobbyID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("presence members: %w", err)
	}
	if len(ids) == 0 {
		return []Member{}, nil, nil
	}
	sort.Strings(ids)

	cards := make([]*redis.IntCmd, len(ids))
	var infos *redis.SliceCmd
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cards[i] = pipe.SCard(ctx, socketsKey(lobbyID, id))
		}
		infos = pipe.HMGet(ctx, infoKey(lobbyID), ids...)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("presence snapshot: %w", err)
	}

	raw := infos.Val()
	out := make([]Member, 0, len(ids))
	var stale []string
	for i, id := range ids {
		if cards[i].Val() == 0 {
			stale = append(stale, id)
			continue
		}
		m := Member{UserID: id, Name: id}
		if i < len(raw) {
			if s, ok := raw[i].(string); ok {
				var stored Member
				if err := json.Unmarshal([]byte(s), &stored); err == nil && stored.Name != "" {
					m.Name = stored.Name
				}
			}
		}
		out = append(out, m)
	}

	for _, id := range stale {
		if r.prune(ctx, lobbyID, id) {
			gone = append(gone, id)
		}
	}
	return out, gone, nil
}

// prune drops a member whose socket set is gone and reports whether this
// call removed it. A concurrent Join touches the socket key and aborts the
// prune.
func (r *Registry) prune(ctx context.Context, lobbyID, userID string) bool {
	sk := socketsKey(lobbyID, userID)
	var removed *redis.IntCmd
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.SCard(ctx, sk).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removed = pipe.SRem(ctx, membersKey(lobbyID), userID)
			pipe.HDel(ctx, infoKey(lobbyID), userID)
			return nil
		})
		return err
	}, sk)
	if err != nil {
		if !errors.Is(err, redis.TxFailedErr) {
			r.log.Warn("presence_prune_failed", zap.String("lobby", lobbyID), zap.String("user", userID), zap.Error(err))
		}
		return false
	}
	return removed != nil && removed.Val() == 1
}
