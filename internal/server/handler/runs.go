package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/bracketquant/execcore/internal/domain"
)

// RunHandler serves read-only run and trade state for operators: the
// counters, phase, and guard outcomes the execution pipeline writes.
type RunHandler struct {
	store  domain.RunStore
	logger *slog.Logger
}

// NewRunHandler creates a RunHandler backed by the given run store.
func NewRunHandler(store domain.RunStore, logger *slog.Logger) *RunHandler {
	return &RunHandler{store: store, logger: logger}
}

// GetRun responds with the run row: totals, counters, accumulators, phase,
// status, and claim flag.
// GET /api/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := pathParam(r, "id")
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		logHandler(h.logger, "get_run").ErrorContext(r.Context(), "run lookup failed",
			slog.String("run_id", runID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRunTrades responds with every trade row of the run, in plan order.
// GET /api/runs/{id}/trades
func (h *RunHandler) ListRunTrades(w http.ResponseWriter, r *http.Request) {
	runID := pathParam(r, "id")
	trades, err := h.store.GetAllTradeResults(r.Context(), runID)
	if err != nil {
		logHandler(h.logger, "list_run_trades").ErrorContext(r.Context(), "trade lookup failed",
			slog.String("run_id", runID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"trades": trades,
		"count":  len(trades),
	})
}

// AuditHandler serves the append-only operational audit log.
type AuditHandler struct {
	store  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler backed by the given audit store.
func NewAuditHandler(store domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, logger: logger}
}

// ListAudit responds with recent audit entries, paginated.
// GET /api/audit
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	entries, err := h.store.List(r.Context(), opts)
	if err != nil {
		logHandler(h.logger, "list_audit").ErrorContext(r.Context(), "audit lookup failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// StatusHandler serves the process-level status line for dashboards.
type StatusHandler struct {
	Mode string
}

// NewStatusHandler creates a StatusHandler for the given operating mode.
func NewStatusHandler(mode string) *StatusHandler {
	return &StatusHandler{Mode: mode}
}

// GetStatus responds with the current operating mode.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode": h.Mode,
	})
}
