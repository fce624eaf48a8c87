package sweep

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// Sweeper evicts aircraft that stopped reporting
type Sweeper interface {
	SweepStale(now time.Time) []string
}

// Pruner deletes track history older than a cutoff
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) error
}

// Options configures the scheduler
type Options struct {
	LivenessInterval time.Duration
	PruneInterval    time.Duration
	Retention        time.Duration
	PruneOnStart     bool
}

// DefaultOptions returns the scheduler defaults
func DefaultOptions() Options {
	return Options{
		LivenessInterval: 5 * time.Second,
		PruneInterval:    6 * time.Hour,
		Retention:        12 * time.Hour,
		PruneOnStart:     true,
	}
}

// Stats are scheduler counters for health reporting
type Stats struct {
	Sweeps      uint64    `json:"sweeps"`
	Prunes      uint64    `json:"prunes"`
	PruneErrors uint64    `json:"prune_errors"`
	LastPruneAt time.Time `json:"last_prune_at,omitempty"`
}

// Scheduler runs the liveness sweep and the retention prune on fixed timers,
// independent of traffic
type Scheduler struct {
	sweeper Sweeper
	pruner  Pruner
	opts    Options
	logger  *logger.Logger
	now     func() time.Time

	sweeps      atomic.Uint64
	prunes      atomic.Uint64
	pruneErrors atomic.Uint64
	lastPrune   atomic.Int64
}

// NewScheduler creates a scheduler. pruner may be nil to disable pruning.
func NewScheduler(sweeper Sweeper, pruner Pruner, opts Options, log *logger.Logger) *Scheduler {
	return NewSchedulerWithClock(sweeper, pruner, opts, log, time.Now)
}

// NewSchedulerWithClock creates a scheduler with an injectable clock
func NewSchedulerWithClock(sweeper Sweeper, pruner Pruner, opts Options, log *logger.Logger, now func() time.Time) *Scheduler {
	defaults := DefaultOptions()
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = defaults.LivenessInterval
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaults.PruneInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaults.Retention
	}

	return &Scheduler{
		sweeper: sweeper,
		pruner:  pruner,
		opts:    opts,
		logger:  log.Named("sweep"),
		now:     now,
	}
}

// Run blocks until ctx is cancelled. A failing or panicking tick is logged
// and the next tick runs as scheduled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting sweep scheduler",
		logger.Duration("liveness_interval", s.opts.LivenessInterval),
		logger.Duration("prune_interval", s.opts.PruneInterval),
		logger.Duration("retention", s.opts.Retention))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.every(ctx, s.opts.LivenessInterval, "liveness", func(ctx context.Context) error {
			s.SweepOnce()
			return nil
		})
		return nil
	})

	if s.pruner != nil {
		g.Go(func() error {
			if s.opts.PruneOnStart {
				s.safely("prune", func() error { return s.PruneOnce(ctx) })
			}
			s.every(ctx, s.opts.PruneInterval, "prune", s.PruneOnce)
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("Sweep scheduler stopped")
	return err
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safely(name, func() error { return fn(ctx) })
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) safely(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked",
				logger.String("task", name),
				logger.Any("panic", r))
		}
	}()

	if err := fn(); err != nil {
		s.logger.Error("Scheduled task failed",
			logger.String("task", name),
			logger.Error(err))
	}
}

// SweepOnce runs one liveness sweep and returns the evicted ids
func (s *Scheduler) SweepOnce() []string {
	removed := s.sweeper.SweepStale(s.now())
	s.sweeps.Add(1)
	return removed
}

// PruneOnce deletes history older than the retention window
func (s *Scheduler) PruneOnce(ctx context.Context) error {
	if s.pruner == nil {
		return nil
	}
	now := s.now()
	cutoff := now.Add(-s.opts.Retention)

	s.prunes.Add(1)
	if err := s.pruner.Prune(ctx, cutoff); err != nil {
		s.pruneErrors.Add(1)
		return fmt.Errorf("failed to prune tracks before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.lastPrune.Store(now.UnixNano())

	s.logger.Debug("Pruned track history", logger.Time("cutoff", cutoff))
	return nil
}

// Stats returns scheduler counters
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Sweeps:      s.sweeps.Load(),
		Prunes:      s.prunes.Load(),
		PruneErrors: s.pruneErrors.Load(),
	}
	if ns := s.lastPrune.Load(); ns != 0 {
		st.LastPruneAt = time.Unix(0, ns).UTC()
	}
	return st
}
