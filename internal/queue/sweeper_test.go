package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/models"
)

type fakeExpirer struct {
	pending []models.QueueEntry
	cutoffs []time.Time
	err     error
}

func (f *fakeExpirer) ExpireStale(_ context.Context, cutoff time.Time, limit int) ([]models.QueueEntry, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.err != nil {
		return nil, f.err
	}
	n := limit
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func TestSweepDrainsInBatches(t *testing.T) {
	store := &fakeExpirer{}
	for i := 0; i < sweepBatch+20; i++ {
		store.pending = append(store.pending, models.QueueEntry{ID: fmt.Sprint(i), LobbyID: "main", UserID: fmt.Sprintf("u%d", i)})
	}

	var closed []string
	s := NewSweeper(store, 10*time.Minute, time.Minute, func(_ context.Context, e models.QueueEntry) {
		closed = append(closed, e.UserID)
	}, zap.NewNop())
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n := s.Sweep(context.Background())

	assert.Equal(t, sweepBatch+20, n)
	assert.Len(t, closed, sweepBatch+20)
	assert.Len(t, store.cutoffs, 2)
	assert.Equal(t, fixed.Add(-10*time.Minute), store.cutoffs[0])
}

func TestSweepStopsOnError(t *testing.T) {
	store := &fakeExpirer{err: errors.New("db down")}
	called := false
	s := NewSweeper(store, time.Minute, time.Minute, func(context.Context, models.QueueEntry) { called = true }, nil)

	assert.Zero(t, s.Sweep(context.Background()))
	assert.False(t, called)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewSweeper(&fakeExpirer{}, time.Minute, time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
