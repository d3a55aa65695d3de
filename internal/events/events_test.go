package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type delivery struct {
	kind  string
	id    string
	frame []byte
}

type chanDispatcher chan delivery

func (c chanDispatcher) DeliverToLobby(id string, frame []byte) { c <- delivery{"lobby", id, frame} }
func (c chanDispatcher) DeliverToUser(id string, frame []byte)  { c <- delivery{"user", id, frame} }

func next(t *testing.T, c chanDispatcher) delivery {
	t.Helper()
	select {
	case d := <-c:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return delivery{}
	}
}

func TestEncodeFrames(t *testing.T) {
	b, err := Encode(SearchClosed, map[string]string{"lobbyId": "main", "userId": "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"mm:close","data":{"lobbyId":"main","userId":"u1"}}`, string(b))

	b, err = EncodeAck(7, map[string]bool{"ok": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ack","ack":7,"data":{"ok":true}}`, string(b))

	_, err = Encode("bad", make(chan int))
	require.Error(t, err)
}

func TestDecodeClientFrame(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"event":"queue:start","ack":3,"data":{"lobbyId":"main"}}`), &f))
	assert.Equal(t, "queue:start", f.Event)
	require.NotNil(t, f.Ack)
	assert.Equal(t, int64(3), *f.Ack)
	assert.JSONEq(t, `{"lobbyId":"main"}`, string(f.Data))

	var noAck Frame
	require.NoError(t, json.Unmarshal([]byte(`{"event":"lobby:leave","data":{}}`), &noAck))
	assert.Nil(t, noAck.Ack)
}

func TestPublishRoutesByChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chanDispatcher, 4)
	sub, err := Subscribe(ctx, rdb, got, zap.NewNop())
	require.NoError(t, err)
	defer sub.Close()
	go sub.Run(ctx)

	pub := NewPublisher(rdb, zap.NewNop())
	require.NoError(t, pub.ToLobby(ctx, "main", PresenceJoin, map[string]string{"userId": "u1", "name": "Alice"}))
	require.NoError(t, pub.ToUser(ctx, "u2", GameCreated, map[string]string{"gameId": "g1", "shortId": "ABCD2345", "color": "white"}))

	d := next(t, got)
	assert.Equal(t, "lobby", d.kind)
	assert.Equal(t, "main", d.id)
	assert.JSONEq(t, `{"event":"presence:join","data":{"userId":"u1","name":"Alice"}}`, string(d.frame))

	d = next(t, got)
	assert.Equal(t, "user", d.kind)
	assert.Equal(t, "u2", d.id)
	assert.Contains(t, string(d.frame), `"game:created"`)
}

func TestDispatchIgnoresUnknownChannel(t *testing.T) {
	got := make(chanDispatcher, 1)
	s := &Subscription{d: got, log: zap.NewNop()}
	s.dispatch("events:tournament:x", []byte(`{}`))
	assert.Empty(t, got)

	s.dispatch(LobbyChannel("a:b"), []byte(`{}`))
	d := next(t, got)
	assert.Equal(t, "a:b", d.id)
}
