package engine

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/metrics"
)

// BreakerPersistence is the durable backing for the breaker's record. The
// breaker is the single writer; every transition is saved before it is
// reported applied.
type BreakerPersistence interface {
	Save(domain.BreakerRecord) error
	Load() (domain.BreakerRecord, error)
}

// BreakerConfig holds the trip thresholds the breaker evaluates signals
// against.
type BreakerConfig struct {
	DailyLossLimitPct float64
	MaxOpenPositions  int
	VolTripLevel      float64
	IVShockFactor     float64
}

// CircuitBreaker is the central trading gate. It aggregates trip signals,
// owns its own state and append-only trigger history, and persists every
// transition durably before reporting it applied. If persistence fails the
// gate fails closed: trading is denied until a save succeeds.
type CircuitBreaker struct {
	cfg     BreakerConfig
	persist BreakerPersistence
	logger  *slog.Logger

	credDigest [sha256.Size]byte

	mu            sync.Mutex
	rec           domain.BreakerRecord
	persistFailed bool
}

// NewCircuitBreaker loads the persisted record so a restart cannot silently
// re-enable trading, and validates operator calls against credential.
func NewCircuitBreaker(cfg BreakerConfig, persist BreakerPersistence, credential string, logger *slog.Logger) (*CircuitBreaker, error) {
	rec, err := persist.Load()
	if err != nil {
		return nil, err
	}
	cb := &CircuitBreaker{
		cfg:        cfg,
		persist:    persist,
		logger:     logger,
		credDigest: sha256.Sum256([]byte(credential)),
		rec:        rec,
	}
	metrics.BreakerState.Set(metrics.BreakerStateValue(string(rec.State)))
	return cb, nil
}

// IsTradingAllowed reports whether new orders may be placed. The override
// flag permits trading despite a non-ACTIVE state; a failed persistence
// write denies trading regardless.
func (cb *CircuitBreaker) IsTradingAllowed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.persistFailed {
		return false
	}
	if cb.rec.Override {
		return true
	}
	return cb.rec.State == domain.BreakerActive
}

// State returns the current gate state.
func (cb *CircuitBreaker) State() domain.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rec.State
}

// Record returns a copy of the persisted record for reporting.
func (cb *CircuitBreaker) Record() domain.BreakerRecord {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := cb.rec
	out.Triggers = make([]domain.Trigger, len(cb.rec.Triggers))
	copy(out.Triggers, cb.rec.Triggers)
	return out
}

// Evaluate checks a signal snapshot against the trip thresholds and trips
// on the first breach found. Returns true if the breaker tripped.
func (cb *CircuitBreaker) Evaluate(sig domain.Signal) bool {
	switch {
	case cb.cfg.DailyLossLimitPct > 0 && sig.DailyLossPct > cb.cfg.DailyLossLimitPct:
		_ = cb.Trip(domain.TriggerDailyLossLimit,
			fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%", sig.DailyLossPct, cb.cfg.DailyLossLimitPct))
		return true
	case cb.cfg.MaxOpenPositions > 0 && sig.OpenPositions > cb.cfg.MaxOpenPositions:
		_ = cb.Trip(domain.TriggerPositionCount,
			fmt.Sprintf("%d open positions breached limit %d", sig.OpenPositions, cb.cfg.MaxOpenPositions))
		return true
	case cb.cfg.VolTripLevel > 0 && sig.Volatility > cb.cfg.VolTripLevel:
		_ = cb.Trip(domain.TriggerVolatility,
			fmt.Sprintf("volatility %.2f breached trip level %.2f", sig.Volatility, cb.cfg.VolTripLevel))
		return true
	case cb.cfg.IVShockFactor > 0 && sig.PrevIV > 0 && sig.IV/sig.PrevIV > cb.cfg.IVShockFactor:
		_ = cb.Trip(domain.TriggerIVShock,
			fmt.Sprintf("IV jumped %.2f -> %.2f (>%.2fx)", sig.PrevIV, sig.IV, cb.cfg.IVShockFactor))
		return true
	}
	return false
}

// Trip transitions the gate for the given trigger and appends to the
// history. Emergency stop always succeeds, from any state. Market halt is
// reachable from ACTIVE or TRIPPED. Other kinds trip only from ACTIVE.
func (cb *CircuitBreaker) Trip(kind domain.TriggerKind, reason string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var target domain.BreakerState
	switch kind {
	case domain.TriggerEmergencyStop:
		target = domain.BreakerEmergencyStop
	case domain.TriggerManualDisable:
		target = domain.BreakerManualDisable
	case domain.TriggerMarketHalt:
		if cb.rec.State != domain.BreakerActive && cb.rec.State != domain.BreakerTripped {
			return domain.ErrInvalidTransition
		}
		target = domain.BreakerMarketHalt
	default:
		if cb.rec.State != domain.BreakerActive {
			return domain.ErrInvalidTransition
		}
		target = domain.BreakerTripped
	}

	next := cb.cloneLocked()
	next.State = target
	next.UpdatedAt = time.Now()
	next.Triggers = append(next.Triggers, domain.Trigger{
		Kind:   kind,
		Reason: reason,
		At:     next.UpdatedAt,
	})

	if err := cb.commitLocked(next); err != nil {
		return err
	}

	metrics.BreakerTrips.WithLabelValues(string(kind)).Inc()
	cb.logger.Error("CIRCUIT BREAKER TRIPPED",
		slog.String("kind", string(kind)),
		slog.String("reason", reason),
		slog.String("state", string(target)),
	)
	return nil
}

// Reset returns the gate to ACTIVE. Leaving EMERGENCY_STOP requires the
// correct credential; from any other non-ACTIVE state it succeeds
// unconditionally. The most recent unresolved trigger is annotated with the
// resolution reason; history is never deleted.
func (cb *CircuitBreaker) Reset(reason, credential string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.rec.State == domain.BreakerActive {
		return domain.ErrInvalidTransition
	}
	if cb.rec.State == domain.BreakerEmergencyStop && !cb.credentialOK(credential) {
		return domain.ErrInvalidCredential
	}

	next := cb.cloneLocked()
	next.State = domain.BreakerActive
	next.UpdatedAt = time.Now()
	resolveLatestLocked(&next, reason, next.UpdatedAt)

	if err := cb.commitLocked(next); err != nil {
		return err
	}

	cb.logger.Info("circuit breaker reset", slog.String("reason", reason))
	return nil
}

// EnableOverride permits trading despite a non-ACTIVE state. It requires
// credential validation every time and is independent of Reset.
func (cb *CircuitBreaker) EnableOverride(reason, credential string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.credentialOK(credential) {
		return domain.ErrInvalidCredential
	}

	next := cb.cloneLocked()
	next.Override = true
	next.UpdatedAt = time.Now()

	if err := cb.commitLocked(next); err != nil {
		return err
	}

	cb.logger.Warn("TRADING OVERRIDE ENABLED", slog.String("reason", reason))
	return nil
}

// DisableOverride clears the override flag.
func (cb *CircuitBreaker) DisableOverride() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.rec.Override {
		return nil
	}

	next := cb.cloneLocked()
	next.Override = false
	next.UpdatedAt = time.Now()

	if err := cb.commitLocked(next); err != nil {
		return err
	}

	cb.logger.Info("trading override disabled")
	return nil
}

// DailyReset clears loss and volatility trips at the start of a trading
// day. It refuses to clear EMERGENCY_STOP, MARKET_HALT, or MANUAL_DISABLE,
// which require manual intervention.
func (cb *CircuitBreaker) DailyReset() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.rec.State {
	case domain.BreakerEmergencyStop, domain.BreakerMarketHalt, domain.BreakerManualDisable:
		return domain.ErrManualResetRequired
	case domain.BreakerActive:
		return nil
	}

	next := cb.cloneLocked()
	next.State = domain.BreakerActive
	next.UpdatedAt = time.Now()
	resolveLatestLocked(&next, "daily reset", next.UpdatedAt)

	if err := cb.commitLocked(next); err != nil {
		return err
	}

	cb.logger.Info("circuit breaker daily reset")
	return nil
}

// commitLocked persists the next record and only then applies it in
// memory. A failed save leaves the in-memory record untouched and marks
// the gate failed-closed. Callers must hold cb.mu.
func (cb *CircuitBreaker) commitLocked(next domain.BreakerRecord) error {
	if err := cb.persist.Save(next); err != nil {
		cb.persistFailed = true
		cb.logger.Error("BREAKER PERSISTENCE FAILED, trading disabled",
			slog.String("error", err.Error()),
		)
		return &domain.FatalError{Op: "persist breaker state", Err: err}
	}
	cb.persistFailed = false
	cb.rec = next
	metrics.BreakerState.Set(metrics.BreakerStateValue(string(next.State)))
	return nil
}

func (cb *CircuitBreaker) cloneLocked() domain.BreakerRecord {
	next := cb.rec
	next.Triggers = make([]domain.Trigger, len(cb.rec.Triggers))
	copy(next.Triggers, cb.rec.Triggers)
	return next
}

func (cb *CircuitBreaker) credentialOK(candidate string) bool {
	digest := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(digest[:], cb.credDigest[:]) == 1
}

// resolveLatestLocked annotates the most recent unresolved trigger.
func resolveLatestLocked(rec *domain.BreakerRecord, resolution string, at time.Time) {
	for i := len(rec.Triggers) - 1; i >= 0; i-- {
		if rec.Triggers[i].Resolution == "" {
			rec.Triggers[i].Resolution = resolution
			rec.Triggers[i].ResolvedAt = &at
			return
		}
	}
}
