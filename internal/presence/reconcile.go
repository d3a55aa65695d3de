package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LockKey guards the startup purge. It lives outside Namespace so the purge
// never deletes its own lock.
const LockKey = "lock:presence-reconcile"

// ReconcileOptions controls the startup purge of presence keys.
type ReconcileOptions struct {
	LockTTL       time.Duration
	ReadyAttempts int
	ReadyBackoff  time.Duration
	ScanCount     int64
}

func (o *ReconcileOptions) withDefaults() ReconcileOptions {
	out := *o
	if out.LockTTL <= 0 {
		out.LockTTL = 15 * time.Second
	}
	if out.ReadyAttempts <= 0 {
		out.ReadyAttempts = 10
	}
	if out.ReadyBackoff <= 0 {
		out.ReadyBackoff = 200 * time.Millisecond
	}
	if out.ScanCount <= 0 {
		out.ScanCount = 500
	}
	return out
}

// Reconcile purges presence state left behind by a previous process. Only
// the instance that wins the lock does the purge; losers return false with a
// nil error. The lock is released as soon as the purge finishes.
func Reconcile(ctx context.Context, rdb *redis.Client, owner string, opts ReconcileOptions, log *zap.Logger) (bool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := opts.withDefaults()

	if err := waitReady(ctx, rdb, o.ReadyAttempts, o.ReadyBackoff); err != nil {
		return false, err
	}

	acquired, err := rdb.SetNX(ctx, LockKey, owner, o.LockTTL).Result()
	if err != nil {
		log.Warn("presence_reconcile_lock_failed", zap.Error(err))
		return false, nil
	}
	if !acquired {
		log.Info("presence_reconcile_skipped", zap.String("owner", owner))
		return false, nil
	}
	defer releaseLock(context.WithoutCancel(ctx), rdb, owner, log)

	deleted, err := purge(ctx, rdb, o.ScanCount)
	if err != nil {
		return true, fmt.Errorf("purge presence: %w", err)
	}
	log.Info("presence_reconciled", zap.String("owner", owner), zap.Int("keys", deleted))
	return true, nil
}

func waitReady(ctx context.Context, rdb *redis.Client, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("redis not ready after %d attempts: %w", attempts, err)
}

// purge collects every presence key first and unlinks them afterwards, so
// deletions never move the SCAN cursor under us.
func purge(ctx context.Context, rdb *redis.Client, count int64) (int, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		page, next, err := rdb.Scan(ctx, cursor, Namespace+"*", count).Result()
		if err != nil {
			return 0, err
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	deleted := 0
	for start := 0; start < len(keys); start += int(count) {
		end := min(start+int(count), len(keys))
		n, err := rdb.Unlink(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

// releaseLock deletes the lock only while it still holds our owner value.
func releaseLock(ctx context.Context, rdb *redis.Client, owner string, log *zap.Logger) {
	err := rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, LockKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if v != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, LockKey)
			return nil
		})
		return err
	}, LockKey)
	if err != nil {
		log.Warn("presence_reconcile_unlock_failed", zap.Error(err))
	}
}
