package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tickerlab/coordinator/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_runs (
	run_id       TEXT PRIMARY KEY,
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP NOT NULL,
	stopped      BOOLEAN NOT NULL DEFAULT 0,
	symbol_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS analysis_symbols (
	run_id        TEXT NOT NULL REFERENCES analysis_runs(run_id),
	symbol        TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP,
	PRIMARY KEY (run_id, symbol)
);
CREATE INDEX IF NOT EXISTS idx_analysis_symbols_symbol ON analysis_symbols(symbol);
`

// SQLiteRecorder writes finished runs into the dashboard's SQLite database.
type SQLiteRecorder struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteRecorder opens (or creates) the history database at path and
// ensures the run tables exist. Pass ":memory:" for an ephemeral store.
func NewSQLiteRecorder(path string, logger *zap.Logger) (*SQLiteRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return &SQLiteRecorder{db: db, logger: logger}, nil
}

// Close releases the underlying connection.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

// RecordRun writes one run and its per-symbol outcomes in a single
// transaction.
func (r *SQLiteRecorder) RecordRun(ctx context.Context, rec RunRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO analysis_runs (run_id, started_at, completed_at, stopped, symbol_count)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.RunID, rec.StartedAt, rec.CompletedAt, rec.Stopped, len(rec.Symbols),
	)
	if err != nil {
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("insert run %s: %w", rec.RunID, err)
	}

	for _, st := range rec.Symbols {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO analysis_symbols (run_id, symbol, status, error_message, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RunID, st.Symbol, st.Status.String(), nullableString(st.ErrorMessage), st.StartedAt, st.CompletedAt,
		)
		if err != nil {
			metrics.HistoryWrites.WithLabelValues("error").Inc()
			return fmt.Errorf("insert symbol %s for run %s: %w", st.Symbol, rec.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("commit run %s: %w", rec.RunID, err)
	}
	metrics.HistoryWrites.WithLabelValues("ok").Inc()
	r.logger.Debug("Run recorded",
		zap.String("run_id", rec.RunID),
		zap.Int("symbols", len(rec.Symbols)),
	)
	return nil
}

// SymbolRow is one persisted symbol outcome.
type SymbolRow struct {
	RunID        string     `db:"run_id" json:"run_id"`
	Symbol       string     `db:"symbol" json:"symbol"`
	Status       string     `db:"status" json:"status"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// SymbolHistory returns the persisted outcomes for one symbol, newest first,
// capped at limit.
func (r *SQLiteRecorder) SymbolHistory(ctx context.Context, symbol string, limit int) ([]SymbolRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []SymbolRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT s.run_id, s.symbol, s.status, s.error_message, s.started_at, s.completed_at
		 FROM analysis_symbols s
		 JOIN analysis_runs r ON r.run_id = s.run_id
		 WHERE s.symbol = ?
		 ORDER BY r.completed_at DESC
		 LIMIT ?`,
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query symbol history for %s: %w", symbol, err)
	}
	return rows, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
