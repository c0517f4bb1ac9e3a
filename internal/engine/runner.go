package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sellerdash/repricer/internal/model"
	"github.com/sellerdash/repricer/internal/store"
)

// Summary aggregates the outcomes of one cycle.
type Summary struct {
	CycleID    string    `json:"cycle_id"`
	Now        time.Time `json:"now"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Due        int       `json:"due"`
	Reduced    int       `json:"reduced"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Results    []Result  `json:"results"`
}

// Duration is how long the cycle took.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *Summary) tally() {
	s.Reduced, s.Skipped, s.Failed = 0, 0, 0
	for _, r := range s.Results {
		switch r.Outcome {
		case Reduced:
			s.Reduced++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		}
	}
}

// SummarySink receives every completed cycle summary.
type SummarySink interface {
	PublishSummary(ctx context.Context, s *Summary) error
}

// LogSink writes cycle summaries to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) PublishSummary(_ context.Context, s *Summary) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("reduction cycle completed",
		"cycle_id", s.CycleID,
		"due", s.Due,
		"reduced", s.Reduced,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"duration", s.Duration(),
	)
	for _, r := range s.Results {
		if r.Outcome == Failed {
			logger.Warn("listing failed in cycle", "cycle_id", s.CycleID, "listing_id", r.ListingID, "err", r.Err)
		}
	}
	return nil
}

// RunnerConfig tunes the batch runner.
type RunnerConfig struct {
	Workers  int           // max listings processed concurrently
	LockName string        // distributed lock name
	LockTTL  time.Duration // lease length of the distributed lock
}

// DefaultRunnerConfig returns the default runner settings.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:  8,
		LockName: "reduction-cycle",
		LockTTL:  10 * time.Minute,
	}
}

// Runner drives reduction cycles. At most one cycle runs at a time per
// process, and per deployment when a distributed Locker is configured.
type Runner struct {
	selector *Selector
	executor *Executor
	locker   store.Locker
	sinks    []SummarySink
	cfg      RunnerConfig
	logger   *slog.Logger
	holder   string

	cycle sync.Mutex

	mu   sync.RWMutex
	last *Summary
}

// NewRunner creates a runner. locker may be nil for a single-process setup.
func NewRunner(selector *Selector, executor *Executor, locker store.Locker, cfg RunnerConfig, logger *slog.Logger, sinks ...SummarySink) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LockName == "" {
		cfg.LockName = def.LockName
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		selector: selector,
		executor: executor,
		locker:   locker,
		sinks:    sinks,
		cfg:      cfg,
		logger:   logger,
		holder:   uuid.New().String(),
	}
}

// RunCycle selects every due listing once and executes each on a bounded
// pool. It returns model.ErrCycleInProgress without doing anything when a
// cycle is already running, and the selector's error when selection fails.
// Individual listing failures are reported in the summary only.
func (r *Runner) RunCycle(ctx context.Context, now time.Time) (*Summary, error) {
	if !r.cycle.TryLock() {
		return nil, model.ErrCycleInProgress
	}
	defer r.cycle.Unlock()

	if r.locker != nil {
		ok, err := r.locker.Acquire(ctx, r.cfg.LockName, r.holder, r.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("engine.RunCycle: %w", err)
		}
		if !ok {
			return nil, model.ErrCycleInProgress
		}
		defer func() {
			if err := r.locker.Release(context.WithoutCancel(ctx), r.cfg.LockName, r.holder); err != nil {
				r.logger.Warn("cycle lock release failed", "err", err)
			}
		}()
	}

	sum := &Summary{
		CycleID:   uuid.New().String(),
		Now:       now,
		StartedAt: time.Now().UTC(),
	}

	ids, err := r.selector.SelectDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("engine.RunCycle: %w", err)
	}
	sum.Due = len(ids)

	results := make([]Result, len(ids))
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = r.executor.Execute(ctx, id, now)
			return nil
		})
	}
	_ = g.Wait()

	sum.Results = results
	sum.tally()
	sum.FinishedAt = time.Now().UTC()

	r.mu.Lock()
	r.last = sum
	r.mu.Unlock()

	for _, sink := range r.sinks {
		if err := sink.PublishSummary(ctx, sum); err != nil {
			r.logger.Warn("summary sink failed", "cycle_id", sum.CycleID, "err", err)
		}
	}
	return sum, nil
}

// LastSummary returns the most recent completed cycle, or nil before the
// first one.
func (r *Runner) LastSummary() *Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
