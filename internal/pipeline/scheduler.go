// Package pipeline runs one analysis job per symbol with bounded parallelism.
// Jobs are isolated: a failing worker marks its own symbol and never affects
// siblings or the scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tickerlab/coordinator/internal/attribution"
	"github.com/tickerlab/coordinator/internal/control"
	"github.com/tickerlab/coordinator/internal/metrics"
	"github.com/tickerlab/coordinator/internal/progress"
)

// ErrInvalidConcurrency is returned by Run for a non-positive concurrency bound.
var ErrInvalidConcurrency = errors.New("max concurrency must be positive")

// Worker performs the full analysis for one symbol. It must call the gate at
// its breakpoints and return nil after observing a stop; stopped is a
// deliberate outcome, not a failure.
type Worker func(ctx context.Context, symbol string) error

// Scheduler dispatches per-symbol jobs against the shared gate, table, and
// attribution registry.
type Scheduler struct {
	gate     *control.Gate
	table    *progress.Table
	registry *attribution.Registry
	logger   *zap.Logger

	// Optional dispatch pacing so job starts don't burst rate-limited
	// market-data APIs.
	limiter   *rate.Limiter
	maxJitter time.Duration
}

// NewScheduler wires a scheduler to the shared coordination state.
func NewScheduler(gate *control.Gate, table *progress.Table, registry *attribution.Registry, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{gate: gate, table: table, registry: registry, logger: logger}
}

// SetDispatchPacing configures start pacing: limiter spaces job starts and
// each job additionally sleeps a random jitter up to maxJitter. Both delays
// go through the gate's interruptible sleep so a stop is never stuck behind
// them.
func (s *Scheduler) SetDispatchPacing(limiter *rate.Limiter, maxJitter time.Duration) {
	s.limiter = limiter
	s.maxJitter = maxJitter
}

// Run executes worker once per symbol with at most maxConcurrency jobs in
// flight, returning after every dispatched job reaches a terminal status.
// The table is populated with Pending entries before any dispatch so the UI
// has complete progress rows immediately. Worker failures are swallowed at
// the job boundary and surfaced only through the table.
func (s *Scheduler) Run(ctx context.Context, symbols, stages []string, worker Worker, maxConcurrency int) error {
	if maxConcurrency <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, maxConcurrency)
	}
	if len(symbols) == 0 {
		return nil
	}

	runID := uuid.New().String()
	start := time.Now()
	s.table.InitRun(symbols, stages)
	metrics.RunsStarted.Inc()
	s.logger.Info("Analysis run started",
		zap.String("run_id", runID),
		zap.Int("symbols", len(symbols)),
		zap.Int("max_concurrency", maxConcurrency),
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.runJob(ctx, runID, sym, worker)
		}(sym)
	}
	wg.Wait()

	metrics.RunsCompleted.Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("Analysis run finished",
		zap.String("run_id", runID),
		zap.Duration("duration", time.Since(start)),
		zap.Int("completed", s.table.CountByStatus(progress.StatusCompleted)),
		zap.Int("errored", s.table.CountByStatus(progress.StatusError)),
		zap.Bool("stopped", s.gate.Stopped()),
	)
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, runID, symbol string, worker Worker) {
	s.registry.Bind(symbol)
	defer s.registry.Clear()
	ctx = attribution.WithSymbol(ctx, symbol)

	s.staggerStart(symbol)

	// A stop that arrived before this job got going is still a clean partial
	// completion, not an error.
	if s.gate.CheckInterrupt(symbol) == control.Stopped {
		s.table.MarkInProgress(symbol)
		s.table.MarkCompleted(symbol)
		metrics.JobsCompleted.WithLabelValues("stopped").Inc()
		s.logger.Info("Job stopped before start",
			zap.String("run_id", runID), zap.String("symbol", symbol))
		return
	}

	s.table.MarkInProgress(symbol)
	metrics.ActiveJobs.Inc()
	start := time.Now()
	s.logger.Info("Job started", zap.String("run_id", runID), zap.String("symbol", symbol))

	err := s.invoke(ctx, symbol, worker)

	metrics.ActiveJobs.Dec()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.table.MarkError(symbol, err.Error())
		metrics.JobsCompleted.WithLabelValues(progress.StatusError.String()).Inc()
		s.logger.Error("Job failed",
			zap.String("run_id", runID),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return
	}

	s.table.MarkCompleted(symbol)
	metrics.JobsCompleted.WithLabelValues(progress.StatusCompleted.String()).Inc()
	s.logger.Info("Job completed",
		zap.String("run_id", runID),
		zap.String("symbol", symbol),
		zap.Duration("duration", time.Since(start)),
	)
}

// invoke runs the worker with the job-boundary recovery that keeps a panicking
// worker from taking down the scheduler or sibling jobs.
func (s *Scheduler) invoke(ctx context.Context, symbol string, worker Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			s.logger.Error("Worker panicked",
				zap.String("symbol", symbol),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	return worker(ctx, symbol)
}

// staggerStart applies dispatch pacing and jitter. Both sleeps abort early on
// stop; the subsequent breakpoint check handles the unwind.
func (s *Scheduler) staggerStart(symbol string) {
	if s.limiter != nil {
		res := s.limiter.Reserve()
		if d := res.Delay(); d > 0 {
			s.logger.Debug("Pacing job start",
				zap.String("symbol", symbol), zap.Duration("delay", d))
			if !s.gate.InterruptibleSleep(d) {
				res.Cancel()
				return
			}
		}
	}
	if s.maxJitter > 0 {
		if !s.gate.InterruptibleSleep(time.Duration(rand.Int63n(int64(s.maxJitter)))) {
			return
		}
	}
}
