// Package httpapi exposes the pull-based dashboard surface: progress polling
// and the operator control commands. There are no push notifications; the UI
// polls at its own interval.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tickerlab/coordinator/internal/coordinator"
	"github.com/tickerlab/coordinator/internal/history"
)

// Handler serves the coordinator's HTTP surface.
type Handler struct {
	coord  *coordinator.Coordinator
	hist   *history.SQLiteRecorder // nil when history is disabled
	logger *zap.Logger
}

// NewHandler wires the HTTP surface to the coordinator. hist may be nil.
func NewHandler(coord *coordinator.Coordinator, hist *history.SQLiteRecorder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coord: coord, hist: hist, logger: logger}
}

// RegisterRoutes mounts the API on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/progress", h.handleProgress)
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/control/start", h.handleStart)
	mux.HandleFunc("/api/control/pause", h.command(func() { h.coord.Pause() }))
	mux.HandleFunc("/api/control/resume", h.command(func() { h.coord.Resume() }))
	mux.HandleFunc("/api/control/stop", h.command(func() { h.coord.Stop() }))
	mux.HandleFunc("/api/control/reset", h.handleReset)
}

// handleProgress returns the polling snapshot, or one symbol's state when
// ?symbol= is given.
// GET /api/progress[?symbol=AAPL]
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if sym := r.URL.Query().Get("symbol"); sym != "" {
		st, ok := h.coord.Table().Get(sym)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown symbol")
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Status())
}

// handleHistory returns persisted outcomes for one symbol.
// GET /api/history?symbol=AAPL
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if h.hist == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	sym := r.URL.Query().Get("symbol")
	if sym == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	rows, err := h.hist.SymbolHistory(r.Context(), sym, 50)
	if err != nil {
		h.logger.Error("History query failed", zap.String("symbol", sym), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type startRequest struct {
	Symbols []string `json:"symbols"`
}

// handleStart launches a run.
// POST /api/control/start {"symbols":["AAPL","NVDA"]}
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	runID, err := h.coord.Start(r.Context(), req.Symbols)
	switch {
	case errors.Is(err, coordinator.ErrNoSymbols):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrRunActive):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("Start failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "start failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

// handleReset resets gate and table; refused while a run is active.
// POST /api/control/reset
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := h.coord.Reset(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) command(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		fn()
		writeJSON(w, http.StatusOK, h.coord.Status())
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
