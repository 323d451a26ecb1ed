package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/letitrip/edgeguard/internal/log"
)

// DefaultSweepInterval is how often expired windows are evicted from every tier.
const DefaultSweepInterval = 5 * time.Minute

// SweeperOptions configures the background sweep.
type SweeperOptions struct {
	Registry *Registry
	Logger   log.Logger
	Interval time.Duration

	// OnSweep is called once per tier per sweep with the number of evicted entries.
	// Use to update prometheus counters. Called synchronously on the sweep goroutine.
	OnSweep func(tier Tier, removed int)

	// OnSweepDone is called after every sweep with its duration.
	OnSweepDone func(d time.Duration)
}

// Sweeper periodically calls Cleanup on every tier of a Registry.
type Sweeper struct {
	registry    *Registry
	logger      log.Logger
	interval    time.Duration
	onSweep     func(tier Tier, removed int)
	onSweepDone func(d time.Duration)

	// stats for the shutdown log line, SweepOnce may also be called from the admin API
	sweepCount   atomic.Int64
	evictedTotal atomic.Int64
}

// NewSweeper creates a sweeper. Call Run to start it.
func NewSweeper(opts SweeperOptions) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		registry:    opts.Registry,
		logger:      opts.Logger,
		interval:    interval,
		onSweep:     opts.OnSweep,
		onSweepDone: opts.OnSweepDone,
	}
}

// Interval returns the effective sweep interval.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Run sweeps every interval until ctx is cancelled.
// Intended to be launched as: go sweeper.Run(ctx)
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "rate limit sweeper starting", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "rate limit sweeper stopping",
				"reason", ctx.Err(),
				"sweeps", s.sweepCount.Load(),
				"evicted", s.evictedTotal.Load(),
			)
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce evicts expired entries from every tier and returns the per-tier counts.
// Only logs when something was evicted.
func (s *Sweeper) SweepOnce(ctx context.Context) map[Tier]int {
	start := time.Now()
	removed := s.registry.Cleanup()

	total := 0
	for _, t := range s.registry.Tiers() {
		n := removed[t]
		total += n
		if s.onSweep != nil {
			s.onSweep(t, n)
		}
	}
	s.sweepCount.Add(1)
	s.evictedTotal.Add(int64(total))

	if s.onSweepDone != nil {
		s.onSweepDone(time.Since(start))
	}

	if total > 0 {
		s.logger.Info(ctx, "rate limit sweep evicted expired entries",
			"evicted", total,
			"general", removed[TierGeneral],
			"auth", removed[TierAuth],
			"strict", removed[TierStrict],
		)
	}
	return removed
}
