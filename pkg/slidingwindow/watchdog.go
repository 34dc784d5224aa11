package slidingwindow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// UsageRecorder receives periodic limiter snapshots.
type UsageRecorder interface {
	UpdateRateLimiterUsage(estimate float64, limit uint64)
}

// StartUsageWatchdog reports the limiter estimate every interval until ctx is done.
// It warns when the estimate reaches warnRatio of the limit.
func StartUsageWatchdog(
	ctx context.Context,
	log *zap.SugaredLogger,
	l *Limiter,
	rec UsageRecorder,
	interval time.Duration,
	warnRatio float64,
) {
	t := l.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			u := l.Usage()
			if rec != nil {
				rec.UpdateRateLimiterUsage(u.Estimate, u.Limit)
			}
			if u.Limit == 0 {
				continue
			}
			if u.Estimate >= warnRatio*float64(u.Limit) {
				log.Warnw("fork source budget nearly exhausted",
					"estimate", u.Estimate,
					"limit", u.Limit,
					"current", u.Current,
					"previous", u.Previous,
				)
			}
		}
	}
}
