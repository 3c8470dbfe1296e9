package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// requestLimiter caps inbound messages per interval. Paho callbacks
// call allow concurrently, so the counters are atomic.
type requestLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRequestLimiter(limit int64, interval time.Duration, logger *slog.Logger) *requestLimiter {
	return &requestLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the window every interval until ctx is cancelled,
// reporting any drops from the window just closed.
func (r *requestLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *requestLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt requests dropped by rate limit",
			"received", count,
			"dropped", dropped,
			"limit", r.limit,
		)
	}
}

func (r *requestLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
