package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/service"
)

// ExecutionHandler receives the broker's execution-report webhook. This is
// how fills enter the system: the broker pushes one report per execution
// and the lifecycle manager applies it to the order and the position
// behind it.
type ExecutionHandler struct {
	orderSvc *service.OrderService
}

// NewExecutionHandler creates a new ExecutionHandler.
func NewExecutionHandler(orderSvc *service.OrderService) *ExecutionHandler {
	return &ExecutionHandler{orderSvc: orderSvc}
}

// executionRequest is the JSON request body for POST /broker/executions.
type executionRequest struct {
	BrokerOrderID string  `json:"broker_order_id"`
	Quantity      int64   `json:"quantity"`
	Price         float64 `json:"price"`
	ExecutedAt    string  `json:"executed_at"`
}

// Apply handles POST /broker/executions.
func (h *ExecutionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req executionRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if req.BrokerOrderID == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "broker_order_id is required")
		return
	}
	if req.Quantity <= 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "quantity must be a positive integer")
		return
	}
	price, err := domain.DollarsToCents(req.Price)
	if err != nil || price <= 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "price must be a positive amount with at most 2 decimal places")
		return
	}

	executedAt := time.Now()
	if req.ExecutedAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExecutedAt)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "executed_at must be RFC 3339")
			return
		}
		executedAt = t
	}

	order, err := h.orderSvc.ApplyExecution(req.BrokerOrderID, req.Quantity, price, executedAt)
	if err != nil {
		mapExecutionError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// mapExecutionError maps domain errors to HTTP responses for the execution
// webhook.
func mapExecutionError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		WriteError(w, http.StatusNotFound, "unknown_broker_order", err.Error())
	case errors.Is(err, domain.ErrInconsistentFill):
		WriteError(w, http.StatusConflict, "inconsistent_fill", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
