package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tickerlab/coordinator/internal/control"
	"github.com/tickerlab/coordinator/internal/history"
	"github.com/tickerlab/coordinator/internal/pipeline"
	"github.com/tickerlab/coordinator/internal/progress"
)

type captureRecorder struct {
	mu   sync.Mutex
	recs []history.RunRecord
}

func (r *captureRecorder) RecordRun(_ context.Context, rec history.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *captureRecorder) records() []history.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.RunRecord(nil), r.recs...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline: %s", msg)
}

func instantAnalysis(_ context.Context, symbol string, checkpoint pipeline.BreakpointFunc) error {
	if checkpoint(symbol) == control.Stopped {
		return nil
	}
	return nil
}

func TestStartRunsToCompletion(t *testing.T) {
	rec := &captureRecorder{}
	c := New(instantAnalysis, Options{
		MaxConcurrency: 2,
		Stages:         []string{"market_analyst", "trader"},
		Recorder:       rec,
	}, zaptest.NewLogger(t))

	runID, err := c.Start(context.Background(), []string{"aapl", " nvda ", "AAPL"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	c.Wait()

	st := c.Status()
	assert.Equal(t, runID, st.RunID)
	assert.False(t, st.Running)
	require.Len(t, st.Symbols, 2, "symbols are normalized and deduplicated")
	assert.Equal(t, "AAPL", st.Symbols[0].Symbol)
	assert.Equal(t, "NVDA", st.Symbols[1].Symbol)
	for _, sym := range st.Symbols {
		assert.Equal(t, progress.StatusCompleted, sym.Status)
	}

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, runID, recs[0].RunID)
	assert.False(t, recs[0].Stopped)
	assert.Len(t, recs[0].Symbols, 2)
}

func TestStartRejectsEmptyAndOverlapping(t *testing.T) {
	block := make(chan struct{})
	c := New(func(_ context.Context, symbol string, checkpoint pipeline.BreakpointFunc) error {
		<-block
		return nil
	}, Options{MaxConcurrency: 1}, zaptest.NewLogger(t))

	_, err := c.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSymbols)
	_, err = c.Start(context.Background(), []string{"  ", ""})
	assert.ErrorIs(t, err, ErrNoSymbols)

	_, err = c.Start(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	_, err = c.Start(context.Background(), []string{"NVDA"})
	assert.ErrorIs(t, err, ErrRunActive)

	close(block)
	c.Wait()

	// Idle again: a new run is accepted.
	_, err = c.Start(context.Background(), []string{"NVDA"})
	require.NoError(t, err)
	c.Wait()
}

func TestPauseResumeStopSurface(t *testing.T) {
	c := New(func(_ context.Context, symbol string, checkpoint pipeline.BreakpointFunc) error {
		for i := 0; i < 100; i++ {
			if checkpoint(symbol) == control.Stopped {
				return nil
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	}, Options{MaxConcurrency: 2}, zaptest.NewLogger(t))

	_, err := c.Start(context.Background(), []string{"AAPL", "NVDA"})
	require.NoError(t, err)

	c.Pause()
	waitFor(t, func() bool { return len(c.Status().PausedSymbols) == 2 }, "both symbols paused")
	st := c.Status()
	assert.True(t, st.Paused)
	assert.ElementsMatch(t, []string{"AAPL", "NVDA"}, st.PausedSymbols)

	c.Stop()
	c.Wait()

	st = c.Status()
	assert.False(t, st.Paused, "stop reopens the pause gate")
	assert.True(t, st.Stopped)
	for _, sym := range st.Symbols {
		assert.Equal(t, progress.StatusCompleted, sym.Status, "stopped symbols complete with partial progress")
	}
}

func TestStopRecordedInHistory(t *testing.T) {
	rec := &captureRecorder{}
	started := make(chan struct{}, 1)
	c := New(func(_ context.Context, symbol string, checkpoint pipeline.BreakpointFunc) error {
		started <- struct{}{}
		for {
			if checkpoint(symbol) == control.Stopped {
				return nil
			}
			time.Sleep(time.Millisecond)
		}
	}, Options{MaxConcurrency: 1, Recorder: rec}, zaptest.NewLogger(t))

	_, err := c.Start(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	<-started
	c.Stop()
	c.Wait()

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Stopped)
}

func TestResetRefusedWhileRunning(t *testing.T) {
	block := make(chan struct{})
	c := New(func(context.Context, string, pipeline.BreakpointFunc) error {
		<-block
		return nil
	}, Options{MaxConcurrency: 1}, zaptest.NewLogger(t))

	_, err := c.Start(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Reset(), ErrRunActive)

	close(block)
	c.Wait()
	require.NoError(t, c.Reset())

	st := c.Status()
	assert.Empty(t, st.RunID)
	assert.Empty(t, st.Symbols)
	assert.False(t, st.Stopped)

	// Idempotent on an idle coordinator.
	require.NoError(t, c.Reset())
}

func TestNewRunAfterStop(t *testing.T) {
	c := New(instantAnalysis, Options{MaxConcurrency: 2}, zaptest.NewLogger(t))

	_, err := c.Start(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	c.Stop()
	c.Wait()

	// Start resets the gate, so the old stop does not bleed into the new run.
	_, err = c.Start(context.Background(), []string{"NVDA"})
	require.NoError(t, err)
	c.Wait()

	st := c.Status()
	assert.False(t, st.Stopped)
	require.Len(t, st.Symbols, 1)
	assert.Equal(t, "NVDA", st.Symbols[0].Symbol)
	assert.Equal(t, progress.StatusCompleted, st.Symbols[0].Status)
}

func TestWorkerErrorSurfacesInStatus(t *testing.T) {
	c := New(func(_ context.Context, symbol string, _ pipeline.BreakpointFunc) error {
		if symbol == "NVDA" {
			return errors.New("news feed timeout")
		}
		return nil
	}, Options{MaxConcurrency: 2}, zaptest.NewLogger(t))

	_, err := c.Start(context.Background(), []string{"AAPL", "NVDA"})
	require.NoError(t, err)
	c.Wait()

	st := c.Status()
	bySymbol := map[string]progress.SymbolState{}
	for _, s := range st.Symbols {
		bySymbol[s.Symbol] = s
	}
	assert.Equal(t, progress.StatusCompleted, bySymbol["AAPL"].Status)
	assert.Equal(t, progress.StatusError, bySymbol["NVDA"].Status)
	assert.Equal(t, "news feed timeout", bySymbol["NVDA"].ErrorMessage)
}

func TestSetStagesAppliesToNextRun(t *testing.T) {
	c := New(instantAnalysis, Options{MaxConcurrency: 1, Stages: []string{"market_analyst"}}, zaptest.NewLogger(t))

	_, err := c.Start(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	c.Wait()
	st := c.Status()
	require.Len(t, st.Symbols, 1)
	assert.Contains(t, st.Symbols[0].Stages, "market_analyst")
	assert.NotContains(t, st.Symbols[0].Stages, "trader")

	c.SetStages([]string{"market_analyst", "trader"})
	_, err = c.Start(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	c.Wait()
	st = c.Status()
	assert.Contains(t, st.Symbols[0].Stages, "trader")
}
