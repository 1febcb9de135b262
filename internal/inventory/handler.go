package inventory

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type Handler struct {
	compensator *Compensator
	ready       func() bool
	logger      *slog.Logger
}

func NewHandler(compensator *Compensator, ready func() bool, logger *slog.Logger) *Handler {
	return &Handler{
		compensator: compensator,
		ready:       ready,
		logger:      logger,
	}
}

func (h *Handler) HandleListCancelled(w http.ResponseWriter, r *http.Request) {
	cancellations, err := h.compensator.Cancellations(r.Context())
	if err != nil {
		h.logger.Error("failed to list cancellations", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("cancellations listed", "count", len(cancellations))
	h.writeJSON(w, http.StatusOK, cancellations)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && !h.ready() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker disconnected"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
