package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// SyncBackoff controls how the clock retries NTP.
type SyncBackoff struct {
	// InitialDelay is the wait before the first retry (default 2s).
	InitialDelay time.Duration
	// MaxDelay caps backoff growth (default 60s).
	MaxDelay time.Duration
	// Multiplier scales the delay after each failure (default 2).
	Multiplier float64
	// Resync is the interval between syncs once one has succeeded
	// (default 1h).
	Resync time.Duration
	// QueryTimeout bounds a single server query (default 5s).
	QueryTimeout time.Duration
}

// DefaultSyncBackoff returns 2s, 4s, 8s ... capped at 60s, then hourly.
func DefaultSyncBackoff() SyncBackoff {
	return SyncBackoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Resync:       time.Hour,
		QueryTimeout: 5 * time.Second,
	}
}

type queryFunc func(host string, timeout time.Duration) (time.Duration, error)

func ntpQuery(host string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Clock keeps an NTP-corrected wall clock in the configured UTC offset.
// It implements [network.Clock]; the sync runs on its own goroutine.
type Clock struct {
	servers []string
	backoff SyncBackoff
	logger  *slog.Logger
	query   queryFunc
	ctx     context.Context

	mu       sync.RWMutex
	offset   time.Duration
	zone     *time.Location
	synced   bool
	syncedAt time.Time
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewClock creates a clock that will query servers in order. Nothing
// happens until [Clock.Sync].
func NewClock(ctx context.Context, servers []string, logger *slog.Logger) *Clock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{
		servers: servers,
		backoff: DefaultSyncBackoff(),
		logger:  logger,
		query:   ntpQuery,
		ctx:     ctx,
		zone:    time.UTC,
	}
}

// Sync sets the UTC offset and starts background synchronization if it
// is not already running. It never blocks.
func (c *Clock) Sync(utcOffset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zone = fixedZone(utcOffset)
	if c.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

func fixedZone(offset time.Duration) *time.Location {
	secs := int(offset / time.Second)
	if secs == 0 {
		return time.UTC
	}
	sign := '+'
	if secs < 0 {
		sign = '-'
	}
	abs := secs
	if abs < 0 {
		abs = -abs
	}
	return time.FixedZone(fmt.Sprintf("UTC%c%02d:%02d", sign, abs/3600, abs%3600/60), secs)
}

// run syncs with exponential backoff until the first success, then
// resyncs periodically.
func (c *Clock) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := c.backoff.InitialDelay
	for {
		err := c.syncOnce()
		var wait time.Duration
		if err == nil {
			delay = c.backoff.InitialDelay
			wait = c.backoff.Resync
		} else {
			c.logger.Debug("ntp sync failed, retrying", "next_delay", delay.String(), "error", err)
			wait = delay
			delay = time.Duration(float64(delay) * c.backoff.Multiplier)
			if delay > c.backoff.MaxDelay {
				delay = c.backoff.MaxDelay
			}
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// syncOnce tries each server in turn and keeps the first offset.
func (c *Clock) syncOnce() error {
	if len(c.servers) == 0 {
		return errors.New("no ntp servers configured")
	}
	var errs []error
	for _, server := range c.servers {
		offset, err := c.query(server, c.backoff.QueryTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		c.mu.Lock()
		first := !c.synced
		c.offset = offset
		c.synced = true
		c.syncedAt = time.Now()
		c.lastErr = nil
		c.mu.Unlock()
		if first {
			c.logger.Info("clock synchronized", "server", server, "offset", offset.String())
		} else {
			c.logger.Debug("clock resynchronized", "server", server, "offset", offset.String())
		}
		return nil
	}
	err := errors.Join(errs...)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// Now returns corrected wall-clock time in the configured zone. Before
// the first sync it is the host clock.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset).In(c.zone)
}

// Synced reports whether a sync has succeeded.
func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// LastError returns the most recent sync failure, or nil.
func (c *Clock) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Stop ends background synchronization and waits for it to exit.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
