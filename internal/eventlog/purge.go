package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopapi/shop-app/internal/metrics"
)

// Purger is the part of Store the purge loop needs.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RunPurge removes expired event rows every interval until ctx is done.
func RunPurge(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "purge")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("purge loop stopped")
			return
		case <-ticker.C:
			purgeOnce(ctx, p, logger)
		}
	}
}

func purgeOnce(ctx context.Context, p Purger, logger *slog.Logger) {
	n, err := p.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		logger.Error("purge failed", "error", err)
		return
	}
	if n > 0 {
		metrics.EventLogPurged.Add(float64(n))
		logger.Info("purged expired events", "count", n)
	}
}
