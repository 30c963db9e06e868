package store

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// DeadLetterHandler serves the dead-letter triage dashboard. Entries can be
// inspected and deleted; there is no replay.
type DeadLetterHandler struct {
	store  DeadLetterStore
	logger *slog.Logger
}

// NewDeadLetterHandler creates a new DeadLetterHandler.
func NewDeadLetterHandler(store DeadLetterStore, logger *slog.Logger) *DeadLetterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterHandler{
		store:  store,
		logger: logger.With("component", "dead-letter-dashboard"),
	}
}

// RegisterRoutes registers the dashboard routes on the given mux.
func (h *DeadLetterHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/admin/dead-letters", h.handleList)
	mux.HandleFunc("GET /api/v1/admin/dead-letters/stats", h.handleStats)
	mux.HandleFunc("GET /api/v1/admin/dead-letters/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/v1/admin/dead-letters/{id}", h.handleDelete)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (h *DeadLetterHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := DeadLetterFilter{
		Source:   q.Get("source"),
		Severity: q.Get("severity"),
		Reason:   q.Get("reason"),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if filter.Limit == 0 {
		filter.Limit = 50
	}

	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	entries, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list dead letters", "error", err)
		writeDeadLetterError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []*DeadLetter{}
	}

	writeDeadLetterJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (h *DeadLetterHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeDeadLetterError(w, http.StatusBadRequest, "invalid id")
		return
	}

	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeDeadLetterError(w, http.StatusNotFound, "entry not found")
			return
		}
		h.logger.Error("get dead letter", "error", err)
		writeDeadLetterError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeDeadLetterJSON(w, http.StatusOK, entry)
}

func (h *DeadLetterHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("dead letter stats", "error", err)
		writeDeadLetterError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeDeadLetterJSON(w, http.StatusOK, stats)
}

func (h *DeadLetterHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeDeadLetterError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeDeadLetterError(w, http.StatusNotFound, "entry not found")
			return
		}
		h.logger.Error("delete dead letter", "error", err)
		writeDeadLetterError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("dead letter deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeDeadLetterJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeDeadLetterError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
