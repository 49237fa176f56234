// Package history is the coordinator's narrow seam to the dashboard's SQLite
// history store. Only terminal run outcomes cross it; the store itself, its
// schema migrations, and the settings tables belong to the dashboard.
package history

import (
	"context"
	"time"

	"github.com/tickerlab/coordinator/internal/progress"
)

// RunRecord is one finished analysis run.
type RunRecord struct {
	RunID       string
	StartedAt   time.Time
	CompletedAt time.Time
	Stopped     bool
	Symbols     []progress.SymbolState
}

// Recorder persists finished runs. Implementations must be safe for use from
// the coordinator's run goroutine.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// NopRecorder discards records; used when history persistence is disabled.
type NopRecorder struct{}

func (NopRecorder) RecordRun(context.Context, RunRecord) error { return nil }
