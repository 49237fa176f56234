package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tickerlab/coordinator/internal/control"
	"github.com/tickerlab/coordinator/internal/metrics"
	"github.com/tickerlab/coordinator/internal/progress"
)

// BreakpointFunc is the cooperative interrupt check an analysis implementation
// calls between stages. The coordinator supplies the gate's CheckInterrupt.
type BreakpointFunc func(symbol string) control.Decision

// AnalysisFunc is the external analysis collaborator: it performs the full
// multi-stage analysis for one symbol, calling checkpoint between stages and
// halting gracefully on Stopped.
type AnalysisFunc func(ctx context.Context, symbol string, checkpoint BreakpointFunc) error

// Stage is one discrete unit of a symbol's analysis, typically one agent step.
type Stage struct {
	Name string
	Run  func(ctx context.Context, symbol string) error
}

// StageRunner drives a stage sequence for one symbol, checking the gate
// before every stage and recording per-stage progress. It is the reference
// implementation of the worker breakpoint contract: stages run strictly
// sequentially, a stop yields a clean early return, and a stage error aborts
// the remainder of the sequence.
type StageRunner struct {
	gate   *control.Gate
	table  *progress.Table
	logger *zap.Logger
}

// NewStageRunner wires a runner to the shared gate and table.
func NewStageRunner(gate *control.Gate, table *progress.Table, logger *zap.Logger) *StageRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageRunner{gate: gate, table: table, logger: logger}
}

// Run executes stages in order for symbol. A Stopped decision at any
// breakpoint returns nil: remaining stages stay pending and the symbol
// completes with partial progress.
func (r *StageRunner) Run(ctx context.Context, symbol string, stages []Stage) error {
	for _, stage := range stages {
		if r.gate.CheckInterrupt(symbol) == control.Stopped {
			r.logger.Info("Stopping before stage",
				zap.String("symbol", symbol),
				zap.String("stage", stage.Name),
			)
			return nil
		}

		r.table.SetStageStatus(symbol, stage.Name, progress.StatusInProgress)
		start := time.Now()
		err := stage.Run(ctx, symbol)
		metrics.StageDuration.WithLabelValues(stage.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			r.table.SetStageStatus(symbol, stage.Name, progress.StatusError)
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		r.table.SetStageStatus(symbol, stage.Name, progress.StatusCompleted)
		r.logger.Debug("Stage completed",
			zap.String("symbol", symbol),
			zap.String("stage", stage.Name),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return nil
}
