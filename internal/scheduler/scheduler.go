// Package scheduler triggers reduction cycles on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sellerdash/repricer/internal/engine"
	"github.com/sellerdash/repricer/internal/model"
)

// CycleRunner is what the scheduler needs from the batch runner.
type CycleRunner interface {
	RunCycle(ctx context.Context, now time.Time) (*engine.Summary, error)
}

// Scheduler fires RunCycle every interval. A tick that lands while a cycle
// is still running is dropped, not queued.
type Scheduler struct {
	runner     CycleRunner
	interval   time.Duration
	runOnStart bool
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Scheduler.
func New(runner CycleRunner, interval time.Duration, runOnStart bool, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		runOnStart: runOnStart,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// Start launches the cycle loop. It returns immediately; the loop runs
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.Run(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Run blocks, triggering a cycle on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.recoverAndLog("cycleLoop")

	if s.runOnStart {
		s.trigger(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cycleLoop: shutting down")
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

// trigger runs one cycle. Panics inside a cycle are contained here so a
// bad listing cannot stop future ticks.
func (s *Scheduler) trigger(ctx context.Context) {
	defer s.recoverAndLog("cycle")

	sum, err := s.runner.RunCycle(ctx, s.now())
	switch {
	case errors.Is(err, model.ErrCycleInProgress):
		s.logger.Warn("previous cycle still running, tick skipped")
	case err != nil:
		s.logger.Error("reduction cycle failed", "err", err)
	default:
		s.logger.Debug("tick handled", "cycle_id", sum.CycleID)
	}
}

// recoverAndLog is deferred to catch unexpected panics and log them.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler",
			"loop", loop, "panic", r)
	}
}
