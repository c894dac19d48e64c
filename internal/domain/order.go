package domain

import "time"

// OrderSide indicates whether an order buys or sells the instrument.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderIntent classifies why the strategy layer wants the order. Intents
// carry a fixed priority: protective exits always outrank fresh entries
// when two signals compete for the same symbol.
type OrderIntent string

const (
	IntentEntry    OrderIntent = "entry"
	IntentExit     OrderIntent = "exit"
	IntentStopLoss OrderIntent = "stop_loss"
)

// Priority returns the admission priority of the intent. Higher wins.
func (i OrderIntent) Priority() int {
	switch i {
	case IntentStopLoss:
		return 3
	case IntentExit:
		return 2
	case IntentEntry:
		return 1
	}
	return 0
}

// OrderState represents the lifecycle state of an order.
type OrderState string

const (
	OrderStatePending      OrderState = "pending"
	OrderStateSubmitted    OrderState = "submitted"
	OrderStateAcknowledged OrderState = "acknowledged"
	OrderStatePartial      OrderState = "partial"
	OrderStateFilled       OrderState = "filled"
	OrderStateCancelling   OrderState = "cancelling"
	OrderStateCancelled    OrderState = "cancelled"
	OrderStateRejected     OrderState = "rejected"
	OrderStateExpired      OrderState = "expired"
)

// Terminal reports whether the state accepts no further transitions.
// CANCELLING is not terminal: a failed cancel reverts to the prior state.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	}
	return false
}

// Fill is an immutable record of one partial or full execution against an
// order. Fills are appended to the order's fill list and never mutated.
type Fill struct {
	FillID     string
	Quantity   int64
	Price      int64 // cents
	ExecutedAt time.Time
}

// Order represents a single order tracked through its lifecycle. Orders are
// owned by the order store and mutated only through OrderService transition
// methods; state transitions for the same order are serialized.
type Order struct {
	OrderID        string
	BrokerOrderID  string // assigned on broker acknowledgement, "" before
	Symbol         string
	Side           OrderSide
	Intent         OrderIntent
	StrategyID     string
	Quantity       int64
	FilledQty      int64
	LimitPrice     int64 // cents, 0 for market orders
	State          OrderState
	PriorState     OrderState // state to revert to if a cancel fails
	Fills          []Fill
	CancelAttempts int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	TerminalAt     time.Time // zero until the order reaches a terminal state
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQty
}

// AveragePrice computes the volume-weighted average fill price using
// integer arithmetic. Returns (price, true) when fills exist, or (0, false)
// when nothing has executed.
func (o *Order) AveragePrice() (int64, bool) {
	if len(o.Fills) == 0 || o.FilledQty == 0 {
		return 0, false
	}
	var total int64
	for _, f := range o.Fills {
		total += f.Price * f.Quantity
	}
	return total / o.FilledQty, true
}
