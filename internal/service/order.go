package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/controlplane/internal/broker"
	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/engine"
	"github.com/quantrail/controlplane/internal/metrics"
	"github.com/quantrail/controlplane/internal/store"
)

var (
	orderSymbolRegex = regexp.MustCompile(`^[A-Z0-9._-]{1,24}$`)
	strategyIDRegex  = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

// TradingGate is the slice of the circuit breaker admission consults.
type TradingGate interface {
	IsTradingAllowed() bool
}

// OrderConfig holds the lifecycle manager's tunables.
type OrderConfig struct {
	CancelAttempts int
	CancelTimeout  time.Duration
	MaxRetries     int // placement retries on throttling
}

// SubmitRequest is a candidate order from the strategy layer.
type SubmitRequest struct {
	Symbol     string
	Side       domain.OrderSide
	Intent     domain.OrderIntent
	StrategyID string
	Quantity   int64
	Price      *float64 // dollars; nil for market orders
}

// OrderService owns the order lifecycle: admission, submission, fills, and
// cancellation. State transitions for the same order are serialized through
// a per-order mutex; fills for the same order apply in arrival order.
type OrderService struct {
	cfg      OrderConfig
	orders   *store.OrderStore
	capital  *CapitalService
	gate     TradingGate
	limiter  *engine.RateLimiter
	cooldown *engine.CooldownRegistry
	client   broker.Client
	logger   *slog.Logger

	lockMu     sync.Mutex
	orderLocks map[string]*sync.Mutex
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(
	cfg OrderConfig,
	orders *store.OrderStore,
	capital *CapitalService,
	gate TradingGate,
	limiter *engine.RateLimiter,
	cooldown *engine.CooldownRegistry,
	client broker.Client,
	logger *slog.Logger,
) *OrderService {
	if cfg.CancelAttempts < 1 {
		cfg.CancelAttempts = 5
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	return &OrderService{
		cfg:        cfg,
		orders:     orders,
		capital:    capital,
		gate:       gate,
		limiter:    limiter,
		cooldown:   cooldown,
		client:     client,
		logger:     logger,
		orderLocks: make(map[string]*sync.Mutex),
	}
}

// Submit validates a candidate order, runs the admission chain (breaker
// gate, cooldown and intent priority, capital check), and places the order
// with the broker under the order token budget.
func (s *OrderService) Submit(ctx context.Context, req SubmitRequest) (*domain.Order, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	now := time.Now()

	// Gate 1: the circuit breaker is the single source of truth for
	// whether trading is allowed.
	if !s.gate.IsTradingAllowed() {
		metrics.OrdersRejected.WithLabelValues("trading_halted").Inc()
		return nil, domain.ErrTradingHalted
	}

	// Gate 2: cooldown and intent priority. Protective exits always pass;
	// a fresh entry loses to any live protective order on the symbol and
	// to an active cooldown.
	if req.Intent == domain.IntentEntry {
		if s.cooldown.Active(req.Symbol, now) {
			metrics.OrdersRejected.WithLabelValues("cooldown").Inc()
			return nil, domain.ErrSymbolCooldown
		}
		if s.protectiveOrderLive(req.Symbol) {
			metrics.OrdersRejected.WithLabelValues("intent_blocked").Inc()
			return nil, domain.ErrIntentBlocked
		}
	}

	var limitPrice int64
	if req.Price != nil {
		cents, err := domain.DollarsToCents(*req.Price)
		if err != nil {
			return nil, &domain.ValidationError{Message: "price must have at most 2 decimal places"}
		}
		if cents <= 0 {
			return nil, &domain.ValidationError{Message: "price must be greater than 0"}
		}
		limitPrice = cents
	}

	// Gate 3: capital admission for new exposure. No broker round-trip is
	// spent on an order that cannot be funded.
	if req.Intent == domain.IntentEntry && limitPrice > 0 {
		if err := s.capital.CanAdmit(req.StrategyID, limitPrice*req.Quantity); err != nil {
			metrics.OrdersRejected.WithLabelValues("capital").Inc()
			return nil, err
		}
	}

	order := &domain.Order{
		OrderID:    uuid.New().String(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Intent:     req.Intent,
		StrategyID: req.StrategyID,
		Quantity:   req.Quantity,
		LimitPrice: limitPrice,
		State:      domain.OrderStatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.orders.Create(order)

	return order, s.place(ctx, order)
}

// place moves PENDING → SUBMITTED → ACKNOWLEDGED through the rate-limited
// broker call, or to REJECTED on a permanent refusal. The per-order lock is
// released during the broker round-trip so fills can apply concurrently.
func (s *OrderService) place(ctx context.Context, order *domain.Order) error {
	lock := s.lockFor(order.OrderID)
	lock.Lock()
	s.transition(order, domain.OrderStateSubmitted)
	lock.Unlock()

	var brokerOrderID string
	err := s.limiter.ExecuteWithRetry(ctx, engine.ClassOrder, s.cfg.MaxRetries, func(ctx context.Context) error {
		id, err := s.client.PlaceOrder(ctx, order)
		if err != nil {
			return err
		}
		brokerOrderID = id
		return nil
	})

	lock.Lock()
	defer lock.Unlock()

	switch {
	case err == nil:
		s.orders.SetBrokerID(order.OrderID, brokerOrderID)
		// A fill can land between the broker returning and this point; the
		// ack must not overwrite PARTIAL or FILLED.
		if order.State == domain.OrderStateSubmitted {
			s.transition(order, domain.OrderStateAcknowledged)
		}
		metrics.OrdersSubmitted.Inc()
		return nil

	case errors.Is(err, broker.ErrAmbiguous):
		// Outcome unknown: assume still live, never assume failure. The
		// order stays SUBMITTED and reconciliation settles it.
		s.logger.Warn("order placement ambiguous, queued for reconciliation",
			slog.String("order_id", order.OrderID),
		)
		return nil

	case broker.IsRejection(err):
		s.markTerminal(order, domain.OrderStateRejected)
		metrics.OrdersRejected.WithLabelValues("broker").Inc()
		return err

	default:
		// Rate-limit exhaustion or transport failure: nothing reached the
		// broker that we know of, so the order is safe to reject locally.
		s.markTerminal(order, domain.OrderStateRejected)
		metrics.OrdersRejected.WithLabelValues("transport").Inc()
		return err
	}
}

// AddFill applies one execution to an order. Fills for the same order are
// serialized and applied in arrival order. A fill beyond the order quantity
// is a reported inconsistency, never silently absorbed.
func (s *OrderService) AddFill(orderID string, qty, price int64, executedAt time.Time) error {
	if qty <= 0 {
		return &domain.ValidationError{Message: "fill quantity must be positive"}
	}

	lock := s.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.orders.Get(orderID)
	if err != nil {
		return err
	}

	switch order.State {
	case domain.OrderStateAcknowledged, domain.OrderStatePartial, domain.OrderStateCancelling:
		// Fillable.
	case domain.OrderStateSubmitted:
		// An ambiguous placement can fill before the ack arrives.
	default:
		s.logger.Error("fill for non-fillable order",
			slog.String("order_id", orderID),
			slog.String("state", string(order.State)),
			slog.Int64("quantity", qty),
		)
		return domain.ErrInconsistentFill
	}

	if order.FilledQty+qty > order.Quantity {
		s.logger.Error("overfill rejected",
			slog.String("order_id", orderID),
			slog.Int64("filled", order.FilledQty),
			slog.Int64("fill", qty),
			slog.Int64("quantity", order.Quantity),
		)
		return domain.ErrInconsistentFill
	}

	order.Fills = append(order.Fills, domain.Fill{
		FillID:     uuid.New().String(),
		Quantity:   qty,
		Price:      price,
		ExecutedAt: executedAt,
	})
	order.FilledQty += qty

	if order.FilledQty == order.Quantity {
		s.markTerminal(order, domain.OrderStateFilled)
		metrics.OrdersFilled.Inc()
	} else if order.State != domain.OrderStateCancelling {
		s.transition(order, domain.OrderStatePartial)
	}

	s.applyFillToCapital(order, qty, price)
	return nil
}

// applyFillToCapital opens, grows, or reduces the position behind the
// order. A stop-loss that flattens the position starts the symbol cooldown.
func (s *OrderService) applyFillToCapital(order *domain.Order, qty, price int64) {
	switch order.Intent {
	case domain.IntentEntry:
		if pos, ok := s.capital.FindOpen(order.Symbol, order.StrategyID); ok {
			// Fills on the same exposure merge into the existing position,
			// so a later exit releases the whole charge at flatten.
			if err := s.capital.Grow(pos.PositionID, signedQty(order.Side, qty), price); err != nil {
				s.logger.Error("position increment rejected after fill",
					slog.String("order_id", order.OrderID),
					slog.String("position_id", pos.PositionID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		pos := &domain.Position{
			Symbol:     order.Symbol,
			StrategyID: order.StrategyID,
			Quantity:   signedQty(order.Side, qty),
			EntryPrice: price,
		}
		if err := s.capital.Admit(pos); err != nil {
			s.logger.Error("position rejected after fill",
				slog.String("order_id", order.OrderID),
				slog.String("error", err.Error()),
			)
		}

	case domain.IntentExit, domain.IntentStopLoss:
		pos, ok := s.capital.FindOpen(order.Symbol, order.StrategyID)
		if !ok {
			s.logger.Warn("exit fill without open position",
				slog.String("order_id", order.OrderID),
				slog.String("symbol", order.Symbol),
			)
			return
		}
		flattened := abs64(pos.Quantity) <= qty
		// The execution price is the freshest mark; Reduce realizes the
		// closed slice at it.
		s.capital.MarkPrice(order.Symbol, price)
		_ = s.capital.Reduce(pos.PositionID, qty)
		if order.Intent == domain.IntentStopLoss && flattened {
			s.cooldown.NoteStopOut(order.Symbol, time.Now())
			s.logger.Warn("symbol stopped out, cooldown started",
				slog.String("symbol", order.Symbol),
			)
		}
	}
}

// Cancel requests cancellation with up to the configured attempt ceiling.
// Each attempt has a hard timeout; a timed-out attempt counts toward the
// ceiling and is never assumed to have succeeded. When the ceiling is
// reached the order reverts to its last known non-terminal state and the
// caller receives ErrCancelUnconfirmed. The per-order lock is held only for
// state transitions, never across broker calls or backoff sleeps, so fills
// for a CANCELLING order apply as they arrive.
func (s *OrderService) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	lock := s.lockFor(orderID)

	lock.Lock()
	order, err := s.orders.Get(orderID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if order.State.Terminal() || order.State == domain.OrderStateCancelling {
		lock.Unlock()
		return nil, domain.ErrOrderNotCancellable
	}
	if order.BrokerOrderID == "" {
		// Never reached the broker: cancel is purely local.
		s.markTerminal(order, domain.OrderStateCancelled)
		lock.Unlock()
		return order, nil
	}
	order.PriorState = order.State
	s.transition(order, domain.OrderStateCancelling)
	brokerOrderID := order.BrokerOrderID
	lock.Unlock()

	for attempt := 1; attempt <= s.cfg.CancelAttempts; attempt++ {
		lock.Lock()
		order.CancelAttempts = attempt
		lock.Unlock()

		if err := s.limiter.Acquire(ctx, engine.ClassGeneral); err != nil {
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.CancelTimeout)
		err := s.client.CancelOrder(attemptCtx, brokerOrderID)
		cancel()

		if err == nil {
			lock.Lock()
			defer lock.Unlock()
			if order.State != domain.OrderStateCancelling {
				// Fully filled while the cancel was in flight; the fill
				// wins and the order is already terminal.
				return order, fmt.Errorf("%w: order filled during cancellation", domain.ErrOrderNotCancellable)
			}
			s.markTerminal(order, domain.OrderStateCancelled)
			return order, nil
		}
		if broker.IsRejection(err) {
			// The broker refuses to cancel (likely already done). Revert
			// and let fills or reconciliation settle the true state.
			lock.Lock()
			defer lock.Unlock()
			if order.State == domain.OrderStateCancelling {
				s.transition(order, order.PriorState)
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrOrderNotCancellable, err)
		}

		s.logger.Warn("cancel attempt failed",
			slog.String("order_id", orderID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt < s.cfg.CancelAttempts {
			timer := time.NewTimer(s.limiter.BackoffDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				attempt = s.cfg.CancelAttempts
			case <-timer.C:
			}
		}
	}

	// Ceiling reached: the order is NOT assumed cancelled.
	lock.Lock()
	defer lock.Unlock()
	if order.State == domain.OrderStateCancelling {
		s.transition(order, order.PriorState)
	}
	metrics.CancelsUnconfirmed.Inc()
	s.logger.Error("cancellation unconfirmed after retries",
		slog.String("order_id", orderID),
		slog.Int("attempts", order.CancelAttempts),
	)
	return order, domain.ErrCancelUnconfirmed
}

// ApplyExecution resolves a broker execution report to the internal order
// and applies it as a fill. This is the production path for fills: the
// broker pushes execution reports to the webhook endpoint, which lands
// here.
func (s *OrderService) ApplyExecution(brokerOrderID string, qty, price int64, executedAt time.Time) (*domain.Order, error) {
	order, err := s.orders.GetByBrokerID(brokerOrderID)
	if err != nil {
		return nil, err
	}
	if err := s.AddFill(order.OrderID, qty, price, executedAt); err != nil {
		return nil, err
	}
	return order, nil
}

// Expire moves a non-terminal order to EXPIRED.
func (s *OrderService) Expire(orderID string) error {
	lock := s.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.orders.Get(orderID)
	if err != nil {
		return err
	}
	if order.State.Terminal() {
		return domain.ErrInvalidTransition
	}
	s.markTerminal(order, domain.OrderStateExpired)
	return nil
}

// Get retrieves an order by ID.
func (s *OrderService) Get(orderID string) (*domain.Order, error) {
	return s.orders.Get(orderID)
}

// protectiveOrderLive reports whether a live exit or stop-loss order exists
// for the symbol.
func (s *OrderService) protectiveOrderLive(symbol string) bool {
	for _, o := range s.orders.LiveBySymbol(symbol) {
		if o.Intent.Priority() > domain.IntentEntry.Priority() {
			return true
		}
	}
	return false
}

func (s *OrderService) transition(order *domain.Order, state domain.OrderState) {
	order.State = state
	order.UpdatedAt = time.Now()
}

func (s *OrderService) markTerminal(order *domain.Order, state domain.OrderState) {
	now := time.Now()
	order.State = state
	order.UpdatedAt = now
	s.orders.MarkTerminal(order, now)
}

// lockFor returns the per-order mutex, creating it on first use. The lock
// map is never pruned; the retention sweeper bounds the order population.
func (s *OrderService) lockFor(orderID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, ok := s.orderLocks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		s.orderLocks[orderID] = lock
	}
	return lock
}

func validateSubmit(req SubmitRequest) error {
	if !orderSymbolRegex.MatchString(req.Symbol) {
		return &domain.ValidationError{Message: "symbol must match ^[A-Z0-9._-]{1,24}$"}
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	if req.Intent.Priority() == 0 {
		return &domain.ValidationError{Message: "intent must be one of: entry, exit, stop_loss"}
	}
	if !strategyIDRegex.MatchString(req.StrategyID) {
		return &domain.ValidationError{Message: "strategy_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	if req.Quantity <= 0 {
		return &domain.ValidationError{Message: "quantity must be a positive integer"}
	}
	return nil
}

func signedQty(side domain.OrderSide, qty int64) int64 {
	if side == domain.OrderSideSell {
		return -qty
	}
	return qty
}
