package payments

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type Handler struct {
	service *Service
	ready   func() bool
	logger  *slog.Logger
}

func NewHandler(service *Service, ready func() bool, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		ready:   ready,
		logger:  logger,
	}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")

	payments, err := h.service.ListPayments(r.Context(), orderID)
	if err != nil {
		h.logger.Error("failed to list payments", "error", err, "order_id", orderID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, payments)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing payment id")
		return
	}

	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get payment", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if payment == nil {
		h.writeError(w, http.StatusNotFound, "payment not found")
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
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
