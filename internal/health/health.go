// Package health serves liveness and readiness endpoints on the admin mux.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckFunc probes one dependency; a non-nil error marks the service not ready.
type CheckFunc func(ctx context.Context) error

// Handler aggregates named readiness checks.
type Handler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHandler returns a handler with no checks registered; liveness is
// unconditional, readiness passes vacuously until checks are added.
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, checks: make(map[string]CheckFunc)}
}

// Register adds a named readiness check.
func (h *Handler) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// RegisterRoutes mounts /health and /readiness on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/readiness", h.handleReadiness)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	failures := map[string]string{}
	for name, fn := range checks {
		if err := fn(ctx); err != nil {
			failures[name] = err.Error()
			h.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "not_ready",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
