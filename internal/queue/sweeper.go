package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/models"
)

const sweepBatch = 100

// Expirer is the part of Store the sweeper needs.
type Expirer interface {
	ExpireStale(ctx context.Context, cutoff time.Time, limit int) ([]models.QueueEntry, error)
}

// Sweeper cancels searches nobody accepted within the expiry window. Several
// instances may run it at once; each batch skips rows another one holds.
type Sweeper struct {
	store    Expirer
	expiry   time.Duration
	interval time.Duration
	onExpire func(ctx context.Context, e models.QueueEntry)
	log      *zap.Logger
	now      func() time.Time
}

func NewSweeper(store Expirer, expiry, interval time.Duration, onExpire func(context.Context, models.QueueEntry), log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		expiry:   expiry,
		interval: interval,
		onExpire: onExpire,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("queue_sweeper_started", zap.Duration("interval", s.interval), zap.Duration("expiry", s.expiry))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("queue_sweeper_stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires stale entries batch by batch and returns how many closed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.expiry)
	total := 0
	for {
		expired, err := s.store.ExpireStale(ctx, cutoff, sweepBatch)
		if err != nil {
			s.log.Warn("queue_sweep_failed", zap.Error(err))
			return total
		}
		for _, e := range expired {
			if s.onExpire != nil {
				s.onExpire(ctx, e)
			}
		}
		total += len(expired)
		if len(expired) < sweepBatch {
			break
		}
	}
	if total > 0 {
		s.log.Info("queue_swept", zap.Int("expired", total))
	}
	return total
}
