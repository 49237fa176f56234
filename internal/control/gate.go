// Package control implements the shared pause/resume/stop signaling primitive
// consulted by every analysis worker at its stage breakpoints.
package control

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tickerlab/coordinator/internal/metrics"
)

// Decision is the outcome of a breakpoint check.
type Decision int

const (
	// Continue means the worker may proceed with its next stage.
	Continue Decision = iota
	// Stopped means a stop was requested; the worker must unwind without
	// performing further externally visible stage work.
	Stopped
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Gate coordinates cooperative pause/resume/stop across all workers of a run.
//
// Workers block at breakpoints while the gate is paused and are released by
// Resume or Stop with bounded latency (channel broadcast, no polling). Stop is
// level-triggered: once fired it persists until Reset.
type Gate struct {
	logger *zap.Logger

	mu      sync.Mutex
	paused  bool
	stopped bool
	// open is closed (as a channel) whenever the gate is open. Pause swaps in
	// a fresh unclosed channel; Resume and Stop close the current one so every
	// parked worker wakes from a single broadcast.
	open          chan struct{}
	stopCh        chan struct{}
	pausedSymbols map[string]struct{}
}

// NewGate returns a gate in its initial state: not paused, not stopped.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		logger:        logger,
		open:          closedChan(),
		stopCh:        make(chan struct{}),
		pausedSymbols: make(map[string]struct{}),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Pause closes the gate so workers park at their next breakpoint. Idempotent;
// ignored after a stop (a stop must never leave workers blocked).
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused || g.stopped {
		return
	}
	g.paused = true
	g.open = make(chan struct{})
	g.logger.Info("Pipeline paused")
}

// Resume reopens the gate and releases every parked worker. Idempotent.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.open)
	g.pausedSymbols = make(map[string]struct{})
	g.logger.Info("Pipeline resumed")
}

// Stop requests a cooperative stop of the whole run. It fires the stop signal,
// clears any pause, and reopens the gate so currently parked workers are
// released immediately. Idempotent; safe regardless of prior pause state.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	close(g.stopCh)
	if g.paused {
		g.paused = false
		close(g.open)
	}
	g.logger.Info("Pipeline stop requested")
}

// Reset restores the initial state. It must only be called when no worker is
// active; callers enforce that (see coordinator.Reset). Idempotent.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		close(g.open)
	}
	g.paused = false
	g.stopped = false
	g.open = closedChan()
	g.stopCh = make(chan struct{})
	g.pausedSymbols = make(map[string]struct{})
}

// CheckInterrupt is the breakpoint a worker calls before each stage. It blocks
// while the gate is paused and reports Stopped once a stop has fired, even if
// the stop arrived while the worker was parked.
func (g *Gate) CheckInterrupt(symbol string) Decision {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		metrics.InterruptChecks.WithLabelValues(Stopped.String()).Inc()
		return Stopped
	}
	if !g.paused {
		g.mu.Unlock()
		metrics.InterruptChecks.WithLabelValues(Continue.String()).Inc()
		return Continue
	}
	open := g.open
	stop := g.stopCh
	g.pausedSymbols[symbol] = struct{}{}
	g.mu.Unlock()

	metrics.PausedWorkers.Inc()
	g.logger.Debug("Worker parked at breakpoint", zap.String("symbol", symbol))
	select {
	case <-open:
	case <-stop:
	}
	metrics.PausedWorkers.Dec()

	g.mu.Lock()
	delete(g.pausedSymbols, symbol)
	stopped := g.stopped
	g.mu.Unlock()

	if stopped {
		metrics.InterruptChecks.WithLabelValues(Stopped.String()).Inc()
		return Stopped
	}
	metrics.InterruptChecks.WithLabelValues(Continue.String()).Inc()
	return Continue
}

// InterruptibleSleep sleeps up to d, returning false the moment a stop fires.
// It returns true only if the full duration elapsed undisturbed. Used for
// stagger and backoff delays so a stop never waits out a sleep.
func (g *Gate) InterruptibleSleep(d time.Duration) bool {
	g.mu.Lock()
	stop := g.stopCh
	stopped := g.stopped
	g.mu.Unlock()
	if stopped {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

// Paused reports whether a pause is in effect.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Stopped reports whether a stop has been requested for the current run.
func (g *Gate) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// PausedSymbols returns the symbols whose workers are presently parked at a
// breakpoint, sorted for stable presentation.
func (g *Gate) PausedSymbols() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.pausedSymbols))
	for s := range g.pausedSymbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
