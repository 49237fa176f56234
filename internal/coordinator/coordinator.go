// Package coordinator ties the control gate, progress table, attribution
// registry, and scheduler behind the operator command surface the dashboard
// calls: start, pause, resume, stop, reset.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tickerlab/coordinator/internal/attribution"
	"github.com/tickerlab/coordinator/internal/control"
	"github.com/tickerlab/coordinator/internal/history"
	"github.com/tickerlab/coordinator/internal/pipeline"
	"github.com/tickerlab/coordinator/internal/progress"
)

var (
	// ErrRunActive is returned when a command requires an idle coordinator.
	ErrRunActive = errors.New("an analysis run is already active")
	// ErrNoSymbols is returned by Start with an empty symbol list.
	ErrNoSymbols = errors.New("no symbols to analyze")
)

// Options configures a Coordinator.
type Options struct {
	MaxConcurrency int
	Stages         []string
	// DispatchRPM spaces job starts; zero disables pacing.
	DispatchRPM int
	// MaxJitter adds a random start delay per job; zero disables jitter.
	MaxJitter time.Duration
	// Recorder persists finished runs; nil disables history.
	Recorder history.Recorder
}

// Coordinator owns one run at a time and exposes the polling snapshot.
type Coordinator struct {
	gate     *control.Gate
	table    *progress.Table
	registry *attribution.Registry
	sched    *pipeline.Scheduler
	analysis pipeline.AnalysisFunc
	recorder history.Recorder
	logger   *zap.Logger

	maxConcurrency int
	maxJitter      time.Duration
	dispatchRPM    int

	mu      sync.Mutex
	running bool
	runID   string
	stages  []string
	done    chan struct{}
}

// New builds a coordinator around the external analysis collaborator.
func New(analysis pipeline.AnalysisFunc, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := control.NewGate(logger)
	table := progress.NewTable()
	registry := attribution.NewRegistry()
	sched := pipeline.NewScheduler(gate, table, registry, logger)
	if opts.DispatchRPM > 0 {
		sched.SetDispatchPacing(rate.NewLimiter(rate.Limit(float64(opts.DispatchRPM)/60.0), 1), opts.MaxJitter)
	} else if opts.MaxJitter > 0 {
		sched.SetDispatchPacing(nil, opts.MaxJitter)
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = history.NopRecorder{}
	}
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Coordinator{
		gate:           gate,
		table:          table,
		registry:       registry,
		sched:          sched,
		analysis:       analysis,
		recorder:       recorder,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		maxJitter:      opts.MaxJitter,
		dispatchRPM:    opts.DispatchRPM,
		stages:         append([]string(nil), opts.Stages...),
	}
}

// Gate exposes the control gate for collaborators that park on it directly.
func (c *Coordinator) Gate() *control.Gate { return c.gate }

// Registry exposes the attribution registry for ambient tool helpers.
func (c *Coordinator) Registry() *attribution.Registry { return c.registry }

// Table exposes the progress table for read-only snapshots.
func (c *Coordinator) Table() *progress.Table { return c.table }

// SetStages replaces the stage roster used by subsequent runs. In-flight runs
// keep the roster they started with.
func (c *Coordinator) SetStages(stages []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append([]string(nil), stages...)
}

// Start launches a run over symbols and returns immediately; progress is
// observed through Status polling. A run already in flight is rejected.
func (c *Coordinator) Start(ctx context.Context, symbols []string) (string, error) {
	cleaned := normalizeSymbols(symbols)
	if len(cleaned) == 0 {
		return "", ErrNoSymbols
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return "", ErrRunActive
	}
	c.running = true
	c.runID = uuid.New().String()
	c.done = make(chan struct{})
	runID := c.runID
	stages := append([]string(nil), c.stages...)
	done := c.done
	c.mu.Unlock()

	// Fresh gate for every run: a stop from the previous run must not bleed in.
	c.gate.Reset()

	// The run outlives the caller (typically an HTTP request); its lifetime is
	// governed by the gate, so detach from the caller's cancellation.
	runCtx := context.WithoutCancel(ctx)

	c.logger.Info("Starting analysis run",
		zap.String("run_id", runID),
		zap.Strings("symbols", cleaned),
	)

	go func() {
		defer close(done)
		defer func() {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
		}()

		startedAt := time.Now()
		worker := func(ctx context.Context, symbol string) error {
			return c.analysis(ctx, symbol, c.gate.CheckInterrupt)
		}
		if err := c.sched.Run(runCtx, cleaned, stages, worker, c.maxConcurrency); err != nil {
			c.logger.Error("Run aborted", zap.String("run_id", runID), zap.Error(err))
			return
		}

		rec := history.RunRecord{
			RunID:       runID,
			StartedAt:   startedAt,
			CompletedAt: time.Now(),
			Stopped:     c.gate.Stopped(),
			Symbols:     c.table.Snapshot(),
		}
		if err := c.recorder.RecordRun(context.Background(), rec); err != nil {
			c.logger.Error("Failed to record run history",
				zap.String("run_id", runID), zap.Error(err))
		}
	}()

	return runID, nil
}

// Pause forwards to the gate.
func (c *Coordinator) Pause() { c.gate.Pause() }

// Resume forwards to the gate.
func (c *Coordinator) Resume() { c.gate.Resume() }

// Stop forwards to the gate; the run drains cooperatively.
func (c *Coordinator) Stop() { c.gate.Stop() }

// Reset restores gate and table to their initial state. Refused while a run
// is active: resetting under live workers would corrupt gate state.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunActive
	}
	c.gate.Reset()
	c.table.Reset()
	c.runID = ""
	return nil
}

// Wait blocks until the current run (if any) finishes.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status is the pull-based polling snapshot for the dashboard.
type Status struct {
	RunID         string                 `json:"run_id,omitempty"`
	Running       bool                   `json:"running"`
	Paused        bool                   `json:"paused"`
	Stopped       bool                   `json:"stopped"`
	PausedSymbols []string               `json:"paused_symbols"`
	Symbols       []progress.SymbolState `json:"symbols"`
}

// Status returns a consistent snapshot of the coordinator for polling.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	runID := c.runID
	running := c.running
	c.mu.Unlock()
	return Status{
		RunID:         runID,
		Running:       running,
		Paused:        c.gate.Paused(),
		Stopped:       c.gate.Stopped(),
		PausedSymbols: c.gate.PausedSymbols(),
		Symbols:       c.table.Snapshot(),
	}
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
