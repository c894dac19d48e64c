package domain

import "time"

// BreakerState is the circuit breaker's gate state. The persisted value is
// the single source of truth for whether trading is allowed.
type BreakerState string

const (
	BreakerActive        BreakerState = "active"
	BreakerTripped       BreakerState = "tripped"
	BreakerEmergencyStop BreakerState = "emergency_stop"
	BreakerMarketHalt    BreakerState = "market_halt"
	BreakerManualDisable BreakerState = "manual_disable"
)

// TriggerKind identifies what fired the circuit breaker.
type TriggerKind string

const (
	TriggerDailyLossLimit TriggerKind = "daily_loss_limit"
	TriggerPositionCount  TriggerKind = "position_count"
	TriggerVolatility     TriggerKind = "volatility_spike"
	TriggerIVShock        TriggerKind = "iv_shock"
	TriggerDataQuality    TriggerKind = "data_quality"
	TriggerMarketHalt     TriggerKind = "market_halt"
	TriggerEmergencyStop  TriggerKind = "emergency_stop"
	TriggerManualDisable  TriggerKind = "manual_disable"
)

// Trigger is one entry in the breaker's append-only trigger history.
// Resolution annotates the record when the trip is reset; the record itself
// is never deleted.
type Trigger struct {
	Kind       TriggerKind `json:"kind"`
	Reason     string      `json:"reason"`
	At         time.Time   `json:"at"`
	Resolution string      `json:"resolution,omitempty"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// BreakerRecord is the durable form of the breaker's state. It is written
// synchronously on every transition so a restart cannot silently re-enable
// trading.
type BreakerRecord struct {
	State     BreakerState `json:"state"`
	Override  bool         `json:"override"`
	Triggers  []Trigger    `json:"triggers"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Signal is a point-in-time snapshot of the values the breaker evaluates.
// Values are copied in by the caller; the breaker never reaches into other
// components' state.
type Signal struct {
	DailyLossPct   float64 // positive = loss, as a percentage of open equity
	OpenPositions  int
	Volatility     float64
	PrevVolatility float64
	IV             float64
	PrevIV         float64
	At             time.Time
}
