package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantrail/controlplane/internal/broker"
	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/service"
)

// OrderHandler handles HTTP requests from the strategy layer.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// submitOrderRequest is the JSON request body for POST /orders.
type submitOrderRequest struct {
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Intent     string   `json:"intent"`
	StrategyID string   `json:"strategy_id"`
	Quantity   int64    `json:"quantity"`
	Price      *float64 `json:"price"`
}

// orderResponse is the JSON shape of an order.
type orderResponse struct {
	OrderID        string         `json:"order_id"`
	BrokerOrderID  *string        `json:"broker_order_id"`
	Symbol         string         `json:"symbol"`
	Side           string         `json:"side"`
	Intent         string         `json:"intent"`
	StrategyID     string         `json:"strategy_id"`
	Quantity       int64          `json:"quantity"`
	FilledQuantity int64          `json:"filled_quantity"`
	Price          *float64       `json:"price"`
	State          string         `json:"state"`
	AveragePrice   *float64       `json:"average_price"`
	CancelAttempts int            `json:"cancel_attempts"`
	Fills          []fillResponse `json:"fills"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// fillResponse is a single fill in the order response.
type fillResponse struct {
	FillID     string  `json:"fill_id"`
	Price      float64 `json:"price"`
	Quantity   int64   `json:"quantity"`
	ExecutedAt string  `json:"executed_at"`
}

// Submit handles POST /orders.
func (h *OrderHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	order, err := h.orderSvc.Submit(r.Context(), service.SubmitRequest{
		Symbol:     req.Symbol,
		Side:       domain.OrderSide(req.Side),
		Intent:     domain.OrderIntent(req.Intent),
		StrategyID: req.StrategyID,
		Quantity:   req.Quantity,
		Price:      req.Price,
	})
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildOrderResponse(order))
}

// Get handles GET /orders/{order_id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	order, err := h.orderSvc.Get(orderID)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// Cancel handles DELETE /orders/{order_id}. An unconfirmed cancellation
// returns 202 with the order still in its last known live state: the
// caller must not treat it as cancelled.
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	order, err := h.orderSvc.Cancel(r.Context(), orderID)
	if errors.Is(err, domain.ErrCancelUnconfirmed) {
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"result": "cancel_unconfirmed",
			"order":  buildOrderResponse(order),
		})
		return
	}
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// buildOrderResponse converts a domain order to its JSON shape.
func buildOrderResponse(o *domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:        o.OrderID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Intent:         string(o.Intent),
		StrategyID:     o.StrategyID,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQty,
		State:          string(o.State),
		CancelAttempts: o.CancelAttempts,
		Fills:          make([]fillResponse, len(o.Fills)),
		CreatedAt:      o.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:      o.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if o.BrokerOrderID != "" {
		id := o.BrokerOrderID
		resp.BrokerOrderID = &id
	}
	if o.LimitPrice > 0 {
		p := domain.CentsToDollars(o.LimitPrice)
		resp.Price = &p
	}
	if avg, ok := o.AveragePrice(); ok {
		v := domain.CentsToDollars(avg)
		resp.AveragePrice = &v
	}
	for i, f := range o.Fills {
		resp.Fills[i] = fillResponse{
			FillID:     f.FillID,
			Price:      domain.CentsToDollars(f.Price),
			Quantity:   f.Quantity,
			ExecutedAt: f.ExecutedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	return resp
}

// mapOrderError maps domain errors to HTTP responses for order endpoints.
func mapOrderError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}
	var rejection *broker.RejectionError
	if errors.As(err, &rejection) {
		WriteError(w, http.StatusConflict, "broker_rejected", rejection.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		WriteError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, domain.ErrOrderNotCancellable):
		WriteError(w, http.StatusConflict, "order_not_cancellable", err.Error())
	case errors.Is(err, domain.ErrTradingHalted):
		WriteError(w, http.StatusServiceUnavailable, "trading_halted", err.Error())
	case errors.Is(err, domain.ErrSymbolCooldown):
		WriteError(w, http.StatusConflict, "symbol_cooldown", err.Error())
	case errors.Is(err, domain.ErrIntentBlocked):
		WriteError(w, http.StatusConflict, "intent_blocked", err.Error())
	case errors.Is(err, domain.ErrCapitalExhausted):
		WriteError(w, http.StatusConflict, "capital_exhausted", err.Error())
	case errors.Is(err, domain.ErrRateLimitExhausted):
		WriteError(w, http.StatusServiceUnavailable, "rate_limit_exhausted", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
