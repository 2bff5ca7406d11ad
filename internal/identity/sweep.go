package identity

import (
	"context"
	"time"

	"authlink.org/internal/obs"
)

// RunSweeper drops pending claims older than ttl every interval until ctx is
// done. Superseded claims are never removed eagerly, so this is what keeps
// the table bounded.
func RunSweeper(ctx context.Context, s Store, every, ttl time.Duration) {
	if every <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.SweepPending(ctx, now.Add(-ttl))
			if err != nil {
				if ctx.Err() == nil {
					obs.Error("sweep_failed", err, nil)
				}
				continue
			}
			if n > 0 {
				obs.Info("sweep_pending", map[string]any{"removed": n})
			}
		}
	}
}
