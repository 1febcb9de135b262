package orders

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

type Handler struct {
	service *Service
	ready   func() bool
	logger  *slog.Logger
}

// NewHandler builds the HTTP surface of the order service. ready reports
// broker connectivity for the health check and may be nil.
func NewHandler(service *Service, ready func() bool, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		ready:   ready,
		logger:  logger,
	}
}

type createOrderRequest struct {
	CustomerID string             `json:"customerId"`
	Items      []domain.OrderItem `json:"items"`
	Total      *int64             `json:"total"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	in := CreateOrderInput{
		CustomerID: req.CustomerID,
		Items:      req.Items,
		Total:      domain.TotalOf(req.Items),
	}
	if req.Total != nil {
		in.Total = *req.Total
	}

	order, err := h.service.CreateOrder(r.Context(), in)
	if err != nil {
		h.logger.Error("failed to create order", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context())
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
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
