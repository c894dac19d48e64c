package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/quantrail/controlplane/internal/domain"
)

// fakePersist is an in-memory BreakerPersistence whose saves can be made to
// fail on demand.
type fakePersist struct {
	rec      domain.BreakerRecord
	saves    int
	failNext bool
}

func (p *fakePersist) Save(rec domain.BreakerRecord) error {
	if p.failNext {
		return errors.New("disk full")
	}
	p.rec = rec
	p.saves++
	return nil
}

func (p *fakePersist) Load() (domain.BreakerRecord, error) {
	if p.rec.State == "" {
		return domain.BreakerRecord{State: domain.BreakerActive}, nil
	}
	return p.rec, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBreaker(t *testing.T, cfg BreakerConfig) (*CircuitBreaker, *fakePersist) {
	t.Helper()
	persist := &fakePersist{}
	cb, err := NewCircuitBreaker(cfg, persist, "secret", discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cb, persist
}

func TestBreaker_StartsActive(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})
	if !cb.IsTradingAllowed() {
		t.Fatalf("fresh breaker should allow trading")
	}
	if cb.State() != domain.BreakerActive {
		t.Fatalf("State = %q, want active", cb.State())
	}
}

func TestBreaker_TripDeniesTrading(t *testing.T) {
	cb, persist := newTestBreaker(t, BreakerConfig{})

	if err := cb.Trip(domain.TriggerDailyLossLimit, "loss limit"); err != nil {
		t.Fatalf("trip: %v", err)
	}
	if cb.IsTradingAllowed() {
		t.Fatalf("tripped breaker should deny trading")
	}
	if cb.State() != domain.BreakerTripped {
		t.Fatalf("State = %q, want tripped", cb.State())
	}
	// The transition was persisted before it was reported applied.
	if persist.rec.State != domain.BreakerTripped {
		t.Fatalf("persisted state = %q, want tripped", persist.rec.State)
	}
	if len(persist.rec.Triggers) != 1 {
		t.Fatalf("persisted triggers = %d, want 1", len(persist.rec.Triggers))
	}
}

func TestBreaker_OrdinaryTripOnlyFromActive(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})

	_ = cb.Trip(domain.TriggerDailyLossLimit, "first")
	err := cb.Trip(domain.TriggerVolatility, "second")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := len(cb.Record().Triggers); got != 1 {
		t.Fatalf("refused trip should not append history, got %d triggers", got)
	}
}

func TestBreaker_EmergencyStopFromAnyState(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})

	_ = cb.Trip(domain.TriggerMarketHalt, "halt")
	if err := cb.Trip(domain.TriggerEmergencyStop, "operator"); err != nil {
		t.Fatalf("emergency stop must always succeed: %v", err)
	}
	if cb.State() != domain.BreakerEmergencyStop {
		t.Fatalf("State = %q, want emergency_stop", cb.State())
	}
}

func TestBreaker_MarketHaltFromTripped(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})

	_ = cb.Trip(domain.TriggerDailyLossLimit, "loss")
	if err := cb.Trip(domain.TriggerMarketHalt, "market closed"); err != nil {
		t.Fatalf("market halt from TRIPPED should succeed: %v", err)
	}
	if cb.State() != domain.BreakerMarketHalt {
		t.Fatalf("State = %q, want market_halt", cb.State())
	}
}

func TestBreaker_ResetFromEmergencyRequiresCredential(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})
	_ = cb.Trip(domain.TriggerEmergencyStop, "operator")

	if err := cb.Reset("all clear", "wrong"); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if cb.State() != domain.BreakerEmergencyStop {
		t.Fatalf("failed reset must not change state, got %q", cb.State())
	}

	if err := cb.Reset("all clear", "secret"); err != nil {
		t.Fatalf("reset with correct credential: %v", err)
	}
	if cb.State() != domain.BreakerActive {
		t.Fatalf("State = %q, want active", cb.State())
	}
}

func TestBreaker_ResetAnnotatesHistoryWithoutDeleting(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})
	_ = cb.Trip(domain.TriggerDailyLossLimit, "loss")
	if err := cb.Reset("reviewed and cleared", ""); err != nil {
		t.Fatalf("reset: %v", err)
	}

	rec := cb.Record()
	if len(rec.Triggers) != 1 {
		t.Fatalf("history must be append-only, got %d triggers", len(rec.Triggers))
	}
	trig := rec.Triggers[0]
	if trig.Resolution != "reviewed and cleared" {
		t.Fatalf("Resolution = %q, want annotation", trig.Resolution)
	}
	if trig.ResolvedAt == nil {
		t.Fatalf("ResolvedAt should be set")
	}
}

func TestBreaker_ResetWhenActiveRefused(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})
	if err := cb.Reset("noop", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestBreaker_OverrideRequiresCredential(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})
	_ = cb.Trip(domain.TriggerDailyLossLimit, "loss")

	if err := cb.EnableOverride("testing", "wrong"); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if cb.IsTradingAllowed() {
		t.Fatalf("failed override must not open the gate")
	}

	if err := cb.EnableOverride("testing", "secret"); err != nil {
		t.Fatalf("enable override: %v", err)
	}
	if !cb.IsTradingAllowed() {
		t.Fatalf("override should permit trading despite tripped state")
	}
	if cb.State() != domain.BreakerTripped {
		t.Fatalf("override must not change the underlying state, got %q", cb.State())
	}

	if err := cb.DisableOverride(); err != nil {
		t.Fatalf("disable override: %v", err)
	}
	if cb.IsTradingAllowed() {
		t.Fatalf("cleared override should deny trading again")
	}
}

func TestBreaker_PersistFailureFailsClosed(t *testing.T) {
	cb, persist := newTestBreaker(t, BreakerConfig{})

	persist.failNext = true
	err := cb.Trip(domain.TriggerDailyLossLimit, "loss")
	var fatal *domain.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	if cb.IsTradingAllowed() {
		t.Fatalf("unpersistable gate must fail closed")
	}
	// In-memory state is untouched by the failed commit.
	if cb.State() != domain.BreakerActive {
		t.Fatalf("State = %q, want active (commit not applied)", cb.State())
	}

	// A later successful commit clears the fail-closed flag.
	persist.failNext = false
	if err := cb.Trip(domain.TriggerDailyLossLimit, "loss"); err != nil {
		t.Fatalf("trip after recovery: %v", err)
	}
	_ = cb.Reset("clear", "")
	if !cb.IsTradingAllowed() {
		t.Fatalf("recovered gate should allow trading after reset")
	}
}

func TestBreaker_Evaluate(t *testing.T) {
	cfg := BreakerConfig{
		DailyLossLimitPct: 3.0,
		MaxOpenPositions:  10,
		VolTripLevel:      45,
		IVShockFactor:     1.5,
	}

	tests := []struct {
		name string
		sig  domain.Signal
		trip bool
		kind domain.TriggerKind
	}{
		{"quiet", domain.Signal{DailyLossPct: 1, OpenPositions: 2, Volatility: 15}, false, ""},
		{"loss limit", domain.Signal{DailyLossPct: 3.5}, true, domain.TriggerDailyLossLimit},
		{"position count", domain.Signal{OpenPositions: 11}, true, domain.TriggerPositionCount},
		{"volatility", domain.Signal{Volatility: 50}, true, domain.TriggerVolatility},
		{"iv shock", domain.Signal{IV: 40, PrevIV: 20}, true, domain.TriggerIVShock},
		{"iv below factor", domain.Signal{IV: 25, PrevIV: 20}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := newTestBreaker(t, cfg)
			if got := cb.Evaluate(tt.sig); got != tt.trip {
				t.Fatalf("Evaluate() = %v, want %v", got, tt.trip)
			}
			if tt.trip {
				rec := cb.Record()
				if len(rec.Triggers) != 1 || rec.Triggers[0].Kind != tt.kind {
					t.Fatalf("trigger = %+v, want kind %q", rec.Triggers, tt.kind)
				}
			}
		})
	}
}

func TestBreaker_DailyReset(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})
	_ = cb.Trip(domain.TriggerDailyLossLimit, "loss")

	if err := cb.DailyReset(); err != nil {
		t.Fatalf("daily reset from TRIPPED: %v", err)
	}
	if cb.State() != domain.BreakerActive {
		t.Fatalf("State = %q, want active", cb.State())
	}

	// Manual states refuse the automatic reset.
	_ = cb.Trip(domain.TriggerEmergencyStop, "operator")
	if err := cb.DailyReset(); !errors.Is(err, domain.ErrManualResetRequired) {
		t.Fatalf("expected ErrManualResetRequired, got %v", err)
	}
	if cb.State() != domain.BreakerEmergencyStop {
		t.Fatalf("daily reset must not clear emergency stop")
	}
}

func TestBreaker_RestoresPersistedState(t *testing.T) {
	persist := &fakePersist{rec: domain.BreakerRecord{
		State:    domain.BreakerEmergencyStop,
		Triggers: []domain.Trigger{{Kind: domain.TriggerEmergencyStop, Reason: "before restart"}},
	}}
	cb, err := NewCircuitBreaker(BreakerConfig{}, persist, "secret", discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.IsTradingAllowed() {
		t.Fatalf("restart must not re-enable trading")
	}
	if cb.State() != domain.BreakerEmergencyStop {
		t.Fatalf("State = %q, want emergency_stop", cb.State())
	}
}
