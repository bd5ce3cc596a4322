package scheduler

import (
	"context"
	"strings"
	"time"

	"leadqual_backend/platform/logger"
)

const (
	defaultExpiryInterval = time.Minute
	defaultPruneInterval  = time.Hour
)

// Sweeper runs expiry and retention in-process on tickers. Used by the API
// when no Redis is configured for the asynq worker.
type Sweeper struct {
	sweeps         *sweeps
	expiryInterval time.Duration
	pruneInterval  time.Duration
}

func NewSweeper(hk Housekeeper, log *logger.Logger, expiryInterval, pruneInterval time.Duration) *Sweeper {
	if expiryInterval <= 0 {
		expiryInterval = defaultExpiryInterval
	}
	if pruneInterval <= 0 {
		pruneInterval = defaultPruneInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Sweeper{
		sweeps:         &sweeps{hk: hk, log: log, now: time.Now},
		expiryInterval: expiryInterval,
		pruneInterval:  pruneInterval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.sweeps.hk == nil {
		return
	}

	_ = s.sweeps.expire(ctx, time.Time{})
	_ = s.sweeps.prune(ctx, time.Time{})

	expiry := time.NewTicker(s.expiryInterval)
	defer expiry.Stop()
	prune := time.NewTicker(s.pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			_ = s.sweeps.expire(ctx, time.Time{})
		case <-prune.C:
			_ = s.sweeps.prune(ctx, time.Time{})
		}
	}
}

// IntervalFromSpec turns an "@every <duration>" spec into its duration.
// Cron expressions only make sense to the asynq scheduler, so they yield
// the fallback.
func IntervalFromSpec(spec string, fallback time.Duration) time.Duration {
	rest, ok := strings.CutPrefix(strings.TrimSpace(spec), "@every ")
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
