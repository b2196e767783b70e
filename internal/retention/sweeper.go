// Package retention deletes expired transcripts on a schedule.
//
// A [Sweeper] runs [memory.TranscriptStore.Cleanup] once at start-up and then
// on every tick. Records with a call-id are never touched; that rule lives in
// the store so that the CLI cleanup command and the sweeper agree.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/pkg/memory"
)

// Defaults applied by [New] for zero config values.
const (
	DefaultMaxAge   = 90 * 24 * time.Hour
	DefaultInterval = 24 * time.Hour
)

// Config configures a [Sweeper].
type Config struct {
	// Store is the transcript store to clean. Required.
	Store memory.TranscriptStore

	// MaxAge is the retention window. Defaults to 90 days if zero.
	MaxAge time.Duration

	// Interval is the time between sweeps. Defaults to 24 hours if zero.
	Interval time.Duration

	// Sources lists the capture channels subject to retention.
	// Empty means the microphone only.
	Sources []string

	// Metrics receives the deletion counter. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Sweeper periodically removes transcripts older than the retention window.
//
// All methods are safe for concurrent use.
type Sweeper struct {
	store    memory.TranscriptStore
	maxAge   time.Duration
	interval time.Duration
	sources  []string
	metrics  *observe.Metrics
	now      func() time.Time

	// mu serialises sweeps and guards maxAge and sources.
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Sweeper from cfg.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("retention: store is required")
	}
	if cfg.MaxAge < 0 || cfg.Interval < 0 {
		return nil, fmt.Errorf("retention: max age (%s) and interval (%s) must not be negative", cfg.MaxAge, cfg.Interval)
	}
	s := &Sweeper{
		store:    cfg.Store,
		maxAge:   cfg.MaxAge,
		interval: cfg.Interval,
		sources:  cfg.Sources,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		done:     make(chan struct{}),
	}
	if s.maxAge == 0 {
		s.maxAge = DefaultMaxAge
	}
	if s.interval == 0 {
		s.interval = DefaultInterval
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Run sweeps immediately and then on every interval until ctx is cancelled
// or [Sweeper.Stop] is called. Sweep failures are logged and retried on the
// next tick. Run returns nil on shutdown.
func (s *Sweeper) Run(ctx context.Context) error {
	s.mu.Lock()
	slog.Info("retention: sweeper started", "max_age", s.maxAge, "interval", s.interval, "sources", memory.CleanupOpts{Sources: s.sources}.EffectiveSources())
	s.mu.Unlock()
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop halts Run. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// SetPolicy replaces the retention window and sources. It takes effect on
// the next sweep; a zero maxAge keeps the current window.
func (s *Sweeper) SetPolicy(maxAge time.Duration, sources []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxAge > 0 {
		s.maxAge = maxAge
	}
	s.sources = sources
	slog.Info("retention: policy updated", "max_age", s.maxAge, "sources", memory.CleanupOpts{Sources: sources}.EffectiveSources())
}

// SweepNow deletes expired transcripts and returns how many were removed.
func (s *Sweeper) SweepNow(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.maxAge)
	n, err := s.store.Cleanup(ctx, memory.CleanupOpts{Before: cutoff, Sources: s.sources})
	if err != nil {
		return 0, fmt.Errorf("retention: cleanup before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	if n > 0 {
		s.metrics.RetentionDeleted.Add(ctx, n)
	}
	return n, nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("retention: sweep failed", "err", err)
		}
		return
	}
	slog.Info("retention: sweep finished", "deleted", n)
}
