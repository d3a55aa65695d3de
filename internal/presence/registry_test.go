package presence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRegistry(rdb, 90*time.Second, zap.NewNop()), mr, rdb
}

func TestJoinIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	alice := Member{UserID: "u1", Name: "Alice"}

	first, err := reg.Join(ctx, "main", "c1", alice)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := reg.Join(ctx, "main", "c1", alice)
	require.NoError(t, err)
	assert.False(t, again)

	list, _, err := reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []Member{alice}, list)
}

func TestMultiTabStaysOnlineUntilLastLeave(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	alice := Member{UserID: "u1", Name: "Alice"}

	first, err := reg.Join(ctx, "main", "c1", alice)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = reg.Join(ctx, "main", "c2", alice)
	require.NoError(t, err)
	assert.False(t, first)

	last, err := reg.Leave(ctx, "main", "c1", "u1")
	require.NoError(t, err)
	assert.False(t, last)

	list, _, err := reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	last, err = reg.Leave(ctx, "main", "c2", "u1")
	require.NoError(t, err)
	assert.True(t, last)

	list, _, err = reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, list)

	last, err = reg.Leave(ctx, "main", "c2", "u1")
	require.NoError(t, err)
	assert.False(t, last, "leave must fire once")
}

func TestLeaveUnknownConnectionIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Join(ctx, "main", "c1", Member{UserID: "u1", Name: "Alice"})
	require.NoError(t, err)

	last, err := reg.Leave(ctx, "main", "ghost", "u1")
	require.NoError(t, err)
	assert.False(t, last)

	last, err = reg.Leave(ctx, "other", "ghost", "nobody")
	require.NoError(t, err)
	assert.False(t, last)

	list, _, err := reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLobbiesAreIsolated(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Join(ctx, "main", "c1", Member{UserID: "u1", Name: "Alice"})
	require.NoError(t, err)
	first, err := reg.Join(ctx, "blitz", "c1", Member{UserID: "u1", Name: "Alice"})
	require.NoError(t, err)
	assert.True(t, first)

	last, err := reg.Leave(ctx, "blitz", "c1", "u1")
	require.NoError(t, err)
	assert.True(t, last)

	list, _, err := reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSnapshotFallsBackToUserID(t *testing.T) {
	reg, mr, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Join(ctx, "main", "c1", Member{UserID: "u1", Name: "Alice"})
	require.NoError(t, err)
	_, err = reg.Join(ctx, "main", "c2", Member{UserID: "u2", Name: "Bob"})
	require.NoError(t, err)

	mr.HSet(infoKey("main"), "u1", "{not json")
	mr.HDel(infoKey("main"), "u2")

	list, _, err := reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []Member{{UserID: "u1", Name: "u1"}, {UserID: "u2", Name: "u2"}}, list)
}

func TestSnapshotPrunesExpiredSockets(t *testing.T) {
	reg, mr, rdb := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Join(ctx, "main", "c1", Member{UserID: "u1", Name: "Alice"})
	require.NoError(t, err)
	mr.FastForward(91 * time.Second)

	list, gone, err := reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, []string{"u1"}, gone)

	// Only the snapshot that pruned the member reports it.
	_, gone, err = reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, gone)

	ok, err := rdb.SIsMember(ctx, membersKey("main"), "u1").Result()
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := reg.Join(ctx, "main", "c2", Member{UserID: "u1", Name: "Alice"})
	require.NoError(t, err)
	assert.True(t, first, "rejoin after expiry goes online again")
}

func TestJoinRefreshesTTL(t *testing.T) {
	reg, mr, _ := newTestRegistry(t)
	ctx := context.Background()
	alice := Member{UserID: "u1", Name: "Alice"}

	_, err := reg.Join(ctx, "main", "c1", alice)
	require.NoError(t, err)
	mr.FastForward(60 * time.Second)
	_, err = reg.Join(ctx, "main", "c1", alice)
	require.NoError(t, err)
	mr.FastForward(60 * time.Second)

	list, _, err := reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConcurrentJoinGoesOnlineOnce(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var firsts int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, err := reg.Join(ctx, "main", fmt.Sprintf("c%d", i), Member{UserID: "u1", Name: "Alice"})
			assert.NoError(t, err)
			if first {
				atomic.AddInt32(&firsts, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts)
}

func TestConcurrentLeaveFiresOnce(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const tabs = 6
	for i := 0; i < tabs; i++ {
		_, err := reg.Join(ctx, "main", fmt.Sprintf("c%d", i), Member{UserID: "u1", Name: "Alice"})
		require.NoError(t, err)
	}

	var lasts int32
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			last, err := reg.Leave(ctx, "main", fmt.Sprintf("c%d", i), "u1")
			assert.NoError(t, err)
			if last {
				atomic.AddInt32(&lasts, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), lasts)
	list, _, err := reg.Snapshot(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLeaveAfterSocketExpiryReportsLast(t *testing.T) {
	reg, mr, rdb := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Join(ctx, "main", "c1", Member{UserID: "u1", Name: "Alice"})
	require.NoError(t, err)
	mr.FastForward(91 * time.Second)

	last, err := reg.Leave(ctx, "main", "c1", "u1")
	require.NoError(t, err)
	assert.True(t, last)

	ok, err := rdb.SIsMember(ctx, membersKey("main"), "u1").Result()
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = rdb.HExists(ctx, infoKey("main"), "u1").Result()
	require.NoError(t, err)
	assert.False(t, ok)

	last, err = reg.Leave(ctx, "main", "c1", "u1")
	require.NoError(t, err)
	assert.False(t, last)
}
