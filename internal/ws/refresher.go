package ws

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunRefresher re-asserts presence for every attached session on each tick
// so socket entries outlive their TTL while the connection is alive. It
// blocks until ctx is done.
func RunRefresher(ctx context.Context, h *Hub, svc Handler, interval time.Duration, log *zap.Logger) {
	log.Info("presence_refresher_started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("presence_refresher_stopping")
			return
		case <-ticker.C:
			sessions := h.Sessions()
			for _, s := range sessions {
				if ctx.Err() != nil {
					return
				}
				svc.Refresh(ctx, s)
			}
			log.Debug("presence_refreshed", zap.Int("sessions", len(sessions)))
		}
	}
}
