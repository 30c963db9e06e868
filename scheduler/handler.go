package scheduler

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Handler exposes the sweeper's history and a manual trigger.
type Handler struct {
	sweeper *PeriodEndSweeper
}

// NewHandler creates a new sweeper HTTP handler.
func NewHandler(sweeper *PeriodEndSweeper) *Handler {
	return &Handler{sweeper: sweeper}
}

// RegisterRoutes registers sweeper admin routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/admin/sweeper", h.status)
	mux.HandleFunc("GET /api/v1/admin/sweeper/history", h.history)
	mux.HandleFunc("POST /api/v1/admin/sweeper/run", h.run)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	cfg := h.sweeper.Config()
	body := map[string]any{
		"interval":   cfg.Interval.String(),
		"batch_size": cfg.BatchSize,
	}
	if runs := h.sweeper.History(); len(runs) > 0 {
		body["last_run"] = runs[0]
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	runs := h.sweeper.History()
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n < len(runs) {
			runs = runs[:n]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs, "total": len(runs)})
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	rec := h.sweeper.RunOnce(r.Context())
	status := http.StatusOK
	if rec.Status == RunStatusFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
