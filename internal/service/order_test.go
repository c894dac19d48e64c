package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantrail/controlplane/internal/broker"
	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/engine"
	"github.com/quantrail/controlplane/internal/store"
)

// fakeBroker scripts the broker's responses. The hooks run inside the
// broker call, where a concurrent execution report would land in
// production.
type fakeBroker struct {
	placeErr    error
	cancelErr   error
	placeCalls  int
	cancelCalls int
	onPlace     func(order *domain.Order)
	onCancel    func()
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, order *domain.Order) (string, error) {
	b.placeCalls++
	if b.placeErr != nil {
		return "", b.placeErr
	}
	if b.onPlace != nil {
		b.onPlace(order)
	}
	return "bk-1", nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.cancelCalls++
	if b.onCancel != nil {
		b.onCancel()
	}
	return b.cancelErr
}

func (b *fakeBroker) GetMarketStatus(ctx context.Context) (domain.MarketStatus, error) {
	return domain.MarketStatus{Open: true, At: time.Now()}, nil
}

func (b *fakeBroker) ListTrades(ctx context.Context, since time.Time) ([]domain.BrokerTrade, error) {
	return nil, nil
}

// openGate always allows trading.
type openGate struct{ allowed bool }

func (g *openGate) IsTradingAllowed() bool { return g.allowed }

type orderFixture struct {
	svc      *OrderService
	orders   *store.OrderStore
	capital  *CapitalService
	cooldown *engine.CooldownRegistry
	gate     *openGate
	client   *fakeBroker
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	f := &orderFixture{
		orders:   store.NewOrderStore(),
		capital:  newTestCapital(),
		cooldown: engine.NewCooldownRegistry(15 * time.Minute),
		gate:     &openGate{allowed: true},
		client:   &fakeBroker{},
	}
	limiter := engine.NewRateLimiter(engine.RateLimiterConfig{
		GeneralBurst:   100,
		OrderBurst:     100,
		RefillInterval: time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffCap:     2 * time.Millisecond,
	}, broker.IsThrottle)
	f.svc = NewOrderService(OrderConfig{
		CancelAttempts: 3,
		CancelTimeout:  20 * time.Millisecond,
		MaxRetries:     2,
	}, f.orders, f.capital, f.gate, limiter, f.cooldown, f.client, discardLogger())
	return f
}

func submitReq() SubmitRequest {
	price := 90.00
	return SubmitRequest{
		Symbol:     "SPY",
		Side:       domain.OrderSideBuy,
		Intent:     domain.IntentEntry,
		StrategyID: "s1",
		Quantity:   100,
		Price:      &price,
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != domain.OrderStateAcknowledged {
		t.Fatalf("State = %q, want acknowledged", order.State)
	}
	if order.BrokerOrderID != "bk-1" {
		t.Fatalf("BrokerOrderID = %q, want bk-1", order.BrokerOrderID)
	}
	if order.LimitPrice != 9000 {
		t.Fatalf("LimitPrice = %d cents, want 9000", order.LimitPrice)
	}
	if got, err := f.orders.GetByBrokerID("bk-1"); err != nil || got.OrderID != order.OrderID {
		t.Fatalf("broker index not updated: %v", err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newOrderFixture(t)

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"lowercase symbol", func(r *SubmitRequest) { r.Symbol = "spy" }},
		{"empty symbol", func(r *SubmitRequest) { r.Symbol = "" }},
		{"bad side", func(r *SubmitRequest) { r.Side = "long" }},
		{"bad intent", func(r *SubmitRequest) { r.Intent = "yolo" }},
		{"bad strategy", func(r *SubmitRequest) { r.StrategyID = "has spaces" }},
		{"zero quantity", func(r *SubmitRequest) { r.Quantity = 0 }},
		{"negative quantity", func(r *SubmitRequest) { r.Quantity = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := submitReq()
			tt.mutate(&req)
			_, err := f.svc.Submit(context.Background(), req)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if f.client.placeCalls != 0 {
		t.Fatalf("invalid orders must not reach the broker")
	}
}

func TestSubmit_BreakerGate(t *testing.T) {
	f := newOrderFixture(t)
	f.gate.allowed = false

	_, err := f.svc.Submit(context.Background(), submitReq())
	if !errors.Is(err, domain.ErrTradingHalted) {
		t.Fatalf("expected ErrTradingHalted, got %v", err)
	}
	if f.client.placeCalls != 0 {
		t.Fatalf("halted gate must stop the order before the broker")
	}
}

func TestSubmit_CooldownBlocksEntriesOnly(t *testing.T) {
	f := newOrderFixture(t)
	f.cooldown.NoteStopOut("SPY", time.Now())

	_, err := f.svc.Submit(context.Background(), submitReq())
	if !errors.Is(err, domain.ErrSymbolCooldown) {
		t.Fatalf("expected ErrSymbolCooldown, got %v", err)
	}

	// A protective exit on the same symbol passes.
	req := submitReq()
	req.Intent = domain.IntentExit
	req.Side = domain.OrderSideSell
	if _, err := f.svc.Submit(context.Background(), req); err != nil {
		t.Fatalf("exit during cooldown: %v", err)
	}
}

func TestSubmit_EntryLosesToLiveProtectiveOrder(t *testing.T) {
	f := newOrderFixture(t)

	req := submitReq()
	req.Intent = domain.IntentStopLoss
	req.Side = domain.OrderSideSell
	if _, err := f.svc.Submit(context.Background(), req); err != nil {
		t.Fatalf("stop loss submit: %v", err)
	}

	_, err := f.svc.Submit(context.Background(), submitReq())
	if !errors.Is(err, domain.ErrIntentBlocked) {
		t.Fatalf("expected ErrIntentBlocked, got %v", err)
	}
}

func TestSubmit_CapitalGate(t *testing.T) {
	f := newOrderFixture(t)

	// $90 × 200 = $18,000 > the $10,000 per-position ceiling.
	req := submitReq()
	req.Quantity = 200
	_, err := f.svc.Submit(context.Background(), req)
	if !errors.Is(err, domain.ErrCapitalExhausted) {
		t.Fatalf("expected ErrCapitalExhausted, got %v", err)
	}
	if f.client.placeCalls != 0 {
		t.Fatalf("unfundable orders must not reach the broker")
	}
}

func TestSubmit_BrokerRejection(t *testing.T) {
	f := newOrderFixture(t)
	f.client.placeErr = &broker.RejectionError{Code: "bad_price", Message: "limit off market"}

	order, err := f.svc.Submit(context.Background(), submitReq())
	if !broker.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if order.State != domain.OrderStateRejected {
		t.Fatalf("State = %q, want rejected", order.State)
	}
	if f.client.placeCalls != 1 {
		t.Fatalf("rejections must not be retried, got %d calls", f.client.placeCalls)
	}
}

func TestSubmit_AmbiguousStaysSubmitted(t *testing.T) {
	f := newOrderFixture(t)
	f.client.placeErr = broker.ErrAmbiguous

	order, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("ambiguous placement should not surface an error: %v", err)
	}
	if order.State != domain.OrderStateSubmitted {
		t.Fatalf("State = %q, want submitted (assume still live)", order.State)
	}
	if order.BrokerOrderID != "" {
		t.Fatalf("no broker ID should be recorded for an ambiguous placement")
	}
}

func TestSubmit_ThrottleRetriesThenExhausts(t *testing.T) {
	f := newOrderFixture(t)
	f.client.placeErr = &broker.ThrottleError{RetryAfter: time.Millisecond}

	order, err := f.svc.Submit(context.Background(), submitReq())
	if !errors.Is(err, domain.ErrRateLimitExhausted) {
		t.Fatalf("expected ErrRateLimitExhausted, got %v", err)
	}
	if f.client.placeCalls != 3 { // initial + MaxRetries(2)
		t.Fatalf("placeCalls = %d, want 3", f.client.placeCalls)
	}
	if order.State != domain.OrderStateRejected {
		t.Fatalf("State = %q, want rejected after exhaustion", order.State)
	}
}

func TestAddFill_PartialThenFull(t *testing.T) {
	f := newOrderFixture(t)
	order, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := f.svc.AddFill(order.OrderID, 40, 9000, time.Now()); err != nil {
		t.Fatalf("fill 1: %v", err)
	}
	if order.State != domain.OrderStatePartial {
		t.Fatalf("State = %q, want partial", order.State)
	}
	if order.Remaining() != 60 {
		t.Fatalf("Remaining() = %d, want 60", order.Remaining())
	}

	if err := f.svc.AddFill(order.OrderID, 60, 9100, time.Now()); err != nil {
		t.Fatalf("fill 2: %v", err)
	}
	if order.State != domain.OrderStateFilled {
		t.Fatalf("State = %q, want filled", order.State)
	}
	if avg, _ := order.AveragePrice(); avg != 9060 {
		t.Fatalf("AveragePrice() = %d, want 9060", avg)
	}

	// The entry fills opened and grew a position.
	if f.capital.OpenPositions() != 1 {
		t.Fatalf("OpenPositions() = %d, want 1", f.capital.OpenPositions())
	}
}

func TestAddFill_SplitEntryAndExitReleaseAllMargin(t *testing.T) {
	f := newOrderFixture(t)

	entry, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = f.svc.AddFill(entry.OrderID, 40, 9000, time.Now())
	_ = f.svc.AddFill(entry.OrderID, 60, 9100, time.Now())

	// Both fills belong to the same exposure: one position, one charge.
	if f.capital.OpenPositions() != 1 {
		t.Fatalf("OpenPositions() = %d, want 1", f.capital.OpenPositions())
	}
	if f.capital.UsedMargin() != 9_060_00 {
		t.Fatalf("UsedMargin() = %d, want 906000", f.capital.UsedMargin())
	}

	// A full exit flattens the position and frees every cent of margin.
	req := submitReq()
	req.Intent = domain.IntentExit
	req.Side = domain.OrderSideSell
	exit, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("exit submit: %v", err)
	}
	if err := f.svc.AddFill(exit.OrderID, 100, 9200, time.Now()); err != nil {
		t.Fatalf("exit fill: %v", err)
	}

	if f.capital.OpenPositions() != 0 {
		t.Fatalf("OpenPositions() = %d after flatten, want 0", f.capital.OpenPositions())
	}
	if f.capital.UsedMargin() != 0 {
		t.Fatalf("UsedMargin() = %d after flatten, want 0", f.capital.UsedMargin())
	}
}

func TestPlace_FillBeforeAckIsNotOverwritten(t *testing.T) {
	f := newOrderFixture(t)
	f.client.onPlace = func(order *domain.Order) {
		if err := f.svc.AddFill(order.OrderID, 40, 9000, time.Now()); err != nil {
			t.Errorf("fill during placement: %v", err)
		}
	}

	order, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// The execution raced the acknowledgement and won; the ack must not
	// roll PARTIAL back.
	if order.State != domain.OrderStatePartial {
		t.Fatalf("State = %q, want partial", order.State)
	}
	if order.BrokerOrderID != "bk-1" {
		t.Fatalf("BrokerOrderID = %q, want bk-1", order.BrokerOrderID)
	}
}

func TestPlace_FullFillBeforeAckStaysFilled(t *testing.T) {
	f := newOrderFixture(t)
	f.client.onPlace = func(order *domain.Order) {
		if err := f.svc.AddFill(order.OrderID, 100, 9000, time.Now()); err != nil {
			t.Errorf("fill during placement: %v", err)
		}
	}

	order, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != domain.OrderStateFilled {
		t.Fatalf("State = %q, want filled", order.State)
	}
}

func TestApplyExecution_ResolvesBrokerOrderID(t *testing.T) {
	f := newOrderFixture(t)
	order, err := f.svc.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := f.svc.ApplyExecution("bk-1", 100, 9000, time.Now())
	if err != nil {
		t.Fatalf("apply execution: %v", err)
	}
	if got.OrderID != order.OrderID {
		t.Fatalf("resolved order %q, want %q", got.OrderID, order.OrderID)
	}
	if order.State != domain.OrderStateFilled {
		t.Fatalf("State = %q, want filled", order.State)
	}
	if f.capital.OpenPositions() != 1 {
		t.Fatalf("execution report should open the position")
	}

	if _, err := f.svc.ApplyExecution("bk-unknown", 10, 9000, time.Now()); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for unknown broker ID, got %v", err)
	}
}

func TestAddFill_OverfillRejected(t *testing.T) {
	f := newOrderFixture(t)
	order, _ := f.svc.Submit(context.Background(), submitReq())

	if err := f.svc.AddFill(order.OrderID, 100, 9000, time.Now()); err != nil {
		t.Fatalf("full fill: %v", err)
	}
	err := f.svc.AddFill(order.OrderID, 10, 9000, time.Now())
	if !errors.Is(err, domain.ErrInconsistentFill) {
		t.Fatalf("expected ErrInconsistentFill, got %v", err)
	}
	if order.FilledQty != 100 {
		t.Fatalf("overfill must not be absorbed, FilledQty = %d", order.FilledQty)
	}
}

func TestAddFill_ExceedingQuantityRejected(t *testing.T) {
	f := newOrderFixture(t)
	order, _ := f.svc.Submit(context.Background(), submitReq())

	_ = f.svc.AddFill(order.OrderID, 40, 9000, time.Now())
	err := f.svc.AddFill(order.OrderID, 70, 9000, time.Now())
	if !errors.Is(err, domain.ErrInconsistentFill) {
		t.Fatalf("expected ErrInconsistentFill, got %v", err)
	}
	if order.FilledQty != 40 || order.State != domain.OrderStatePartial {
		t.Fatalf("state disturbed by rejected fill: %d %q", order.FilledQty, order.State)
	}
}

func TestAddFill_StopLossFlattenStartsCooldown(t *testing.T) {
	f := newOrderFixture(t)

	// Open a position via an entry fill.
	entry, _ := f.svc.Submit(context.Background(), submitReq())
	_ = f.svc.AddFill(entry.OrderID, 100, 9000, time.Now())

	// Stop out the whole position.
	req := submitReq()
	req.Intent = domain.IntentStopLoss
	req.Side = domain.OrderSideSell
	stop, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("stop submit: %v", err)
	}
	if err := f.svc.AddFill(stop.OrderID, 100, 8500, time.Now()); err != nil {
		t.Fatalf("stop fill: %v", err)
	}

	if f.capital.OpenPositions() != 0 {
		t.Fatalf("position should be flattened")
	}
	if !f.cooldown.Active("SPY", time.Now()) {
		t.Fatalf("stop-out should start the symbol cooldown")
	}
}

func TestCancel_LocalWhenNeverAcknowledged(t *testing.T) {
	f := newOrderFixture(t)
	f.client.placeErr = broker.ErrAmbiguous
	order, _ := f.svc.Submit(context.Background(), submitReq())

	got, err := f.svc.Cancel(context.Background(), order.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != domain.OrderStateCancelled {
		t.Fatalf("State = %q, want cancelled", got.State)
	}
	if f.client.cancelCalls != 0 {
		t.Fatalf("order without a broker ID cancels locally")
	}
}

func TestCancel_Confirmed(t *testing.T) {
	f := newOrderFixture(t)
	order, _ := f.svc.Submit(context.Background(), submitReq())

	got, err := f.svc.Cancel(context.Background(), order.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != domain.OrderStateCancelled {
		t.Fatalf("State = %q, want cancelled", got.State)
	}
}

func TestCancel_BrokerRefusalReverts(t *testing.T) {
	f := newOrderFixture(t)
	order, _ := f.svc.Submit(context.Background(), submitReq())
	f.client.cancelErr = &broker.RejectionError{Code: "done", Message: "already filled"}

	_, err := f.svc.Cancel(context.Background(), order.OrderID)
	if !errors.Is(err, domain.ErrOrderNotCancellable) {
		t.Fatalf("expected ErrOrderNotCancellable, got %v", err)
	}
	if order.State != domain.OrderStateAcknowledged {
		t.Fatalf("refused cancel should revert to prior state, got %q", order.State)
	}
	if f.client.cancelCalls != 1 {
		t.Fatalf("refusals must not be retried, got %d calls", f.client.cancelCalls)
	}
}

func TestCancel_UnconfirmedAfterRetryCeiling(t *testing.T) {
	f := newOrderFixture(t)
	order, _ := f.svc.Submit(context.Background(), submitReq())
	_ = f.svc.AddFill(order.OrderID, 40, 9000, time.Now())
	f.client.cancelErr = errors.New("connection reset")

	got, err := f.svc.Cancel(context.Background(), order.OrderID)
	if !errors.Is(err, domain.ErrCancelUnconfirmed) {
		t.Fatalf("expected ErrCancelUnconfirmed, got %v", err)
	}
	if f.client.cancelCalls != 3 {
		t.Fatalf("cancelCalls = %d, want the full ceiling of 3", f.client.cancelCalls)
	}
	// The order is NOT assumed cancelled: it reverts to its last known
	// live state and stays eligible for fills.
	if got.State != domain.OrderStatePartial {
		t.Fatalf("State = %q, want partial (prior state)", got.State)
	}
	if got.CancelAttempts != 3 {
		t.Fatalf("CancelAttempts = %d, want 3", got.CancelAttempts)
	}
	if err := f.svc.AddFill(order.OrderID, 10, 9000, time.Now()); err != nil {
		t.Fatalf("unconfirmed-cancel order must still accept fills: %v", err)
	}
}

func TestCancel_FillDuringCancelWins(t *testing.T) {
	f := newOrderFixture(t)
	order, _ := f.svc.Submit(context.Background(), submitReq())

	// The broker confirms the cancel, but the last execution report lands
	// while the cancel call is in flight. The fill is real; it wins.
	f.client.onCancel = func() {
		if err := f.svc.AddFill(order.OrderID, 100, 9000, time.Now()); err != nil {
			t.Errorf("fill during cancel: %v", err)
		}
	}

	_, err := f.svc.Cancel(context.Background(), order.OrderID)
	if !errors.Is(err, domain.ErrOrderNotCancellable) {
		t.Fatalf("expected ErrOrderNotCancellable, got %v", err)
	}
	if order.State != domain.OrderStateFilled {
		t.Fatalf("State = %q, want filled", order.State)
	}
	if f.capital.OpenPositions() != 1 {
		t.Fatalf("the winning fill should have opened the position")
	}
}

func TestCancel_TerminalOrderRefused(t *testing.T) {
	f := newOrderFixture(t)
	order, _ := f.svc.Submit(context.Background(), submitReq())
	_ = f.svc.AddFill(order.OrderID, 100, 9000, time.Now())

	_, err := f.svc.Cancel(context.Background(), order.OrderID)
	if !errors.Is(err, domain.ErrOrderNotCancellable) {
		t.Fatalf("expected ErrOrderNotCancellable for filled order, got %v", err)
	}
}

func TestExpire(t *testing.T) {
	f := newOrderFixture(t)
	order, _ := f.svc.Submit(context.Background(), submitReq())

	if err := f.svc.Expire(order.OrderID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if order.State != domain.OrderStateExpired {
		t.Fatalf("State = %q, want expired", order.State)
	}
	if err := f.svc.Expire(order.OrderID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for terminal order, got %v", err)
	}
}
