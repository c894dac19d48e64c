package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantrail/controlplane/internal/domain"
)

// TripGate is the slice of the circuit breaker the monitors need. Values
// are passed in; monitors never share mutable state with the breaker.
type TripGate interface {
	Trip(kind domain.TriggerKind, reason string) error
}

// MarketStatusSource supplies the broker's open/closed flag.
type MarketStatusSource interface {
	GetMarketStatus(ctx context.Context) (domain.MarketStatus, error)
}

// MarketMonitorConfig holds the classification thresholds. The three
// volatility levels must be strictly increasing.
type MarketMonitorConfig struct {
	VolElevated   float64
	VolHighStress float64
	VolExtreme    float64
	ShockFactor   float64
	SilenceLimit  time.Duration
	PollInterval  time.Duration
}

// ShockEvent is one entry in the bounded, most-recent-first shock log.
type ShockEvent struct {
	From   float64   `json:"from"`
	To     float64   `json:"to"`
	Factor float64   `json:"factor"`
	At     time.Time `json:"at"`
}

const shockLogCap = 50

// MarketMonitor classifies the market condition from the latest volatility
// reading, flags shocks on large relative jumps, and flags halts either
// from the broker's market-status signal or from data silence during
// expected trading hours. Every transition invokes the circuit breaker.
type MarketMonitor struct {
	cfg    MarketMonitorConfig
	gate   TripGate
	status MarketStatusSource
	logger *slog.Logger

	// TradingHours reports whether trading is expected at the given time.
	// Overridable for tests and non-US sessions.
	TradingHours func(time.Time) bool

	mu        sync.Mutex
	condition domain.MarketCondition
	prevVol   float64
	hasPrev   bool
	halted    bool
	lastData  time.Time
	shockLog  []ShockEvent // most recent first
}

// NewMarketMonitor creates a monitor in the NORMAL condition.
func NewMarketMonitor(cfg MarketMonitorConfig, gate TripGate, status MarketStatusSource, logger *slog.Logger) *MarketMonitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &MarketMonitor{
		cfg:          cfg,
		gate:         gate,
		status:       status,
		logger:       logger,
		TradingHours: defaultTradingHours,
		condition:    domain.ConditionNormal,
		lastData:     time.Now(),
	}
}

// Classify maps a volatility reading to a condition. Pure: no state beyond
// the thresholds.
func (m *MarketMonitor) Classify(vol float64) domain.MarketCondition {
	switch {
	case vol >= m.cfg.VolExtreme:
		return domain.ConditionExtreme
	case vol >= m.cfg.VolHighStress:
		return domain.ConditionHighStress
	case vol >= m.cfg.VolElevated:
		return domain.ConditionElevated
	default:
		return domain.ConditionNormal
	}
}

// ObserveVolatility ingests the latest volatility reading. A jump of more
// than ShockFactor between two consecutive readings is a shock regardless
// of absolute level.
func (m *MarketMonitor) ObserveVolatility(vol float64, at time.Time) {
	m.mu.Lock()

	m.lastData = at

	var shock bool
	var factor float64
	if m.hasPrev && m.prevVol > 0 {
		factor = vol / m.prevVol
		shock = factor > m.cfg.ShockFactor
	}

	prev := m.prevVol
	m.prevVol = vol
	m.hasPrev = true

	oldCond := m.condition
	newCond := m.Classify(vol)
	if !m.halted {
		m.condition = newCond
	}

	if shock {
		m.shockLog = append([]ShockEvent{{From: prev, To: vol, Factor: factor, At: at}}, m.shockLog...)
		if len(m.shockLog) > shockLogCap {
			m.shockLog = m.shockLog[:shockLogCap]
		}
	}
	m.mu.Unlock()

	if shock {
		m.logger.Warn("volatility shock",
			slog.Float64("from", prev),
			slog.Float64("to", vol),
			slog.Float64("factor", factor),
		)
		_ = m.gate.Trip(domain.TriggerVolatility,
			fmt.Sprintf("volatility shock: %.2f -> %.2f (%.2fx)", prev, vol, factor))
	}
	if !shock && newCond == domain.ConditionExtreme && oldCond != domain.ConditionExtreme {
		_ = m.gate.Trip(domain.TriggerVolatility,
			fmt.Sprintf("market condition extreme: volatility %.2f", vol))
	}
	if newCond != oldCond {
		m.logger.Info("market condition changed",
			slog.String("from", string(oldCond)),
			slog.String("to", string(newCond)),
			slog.Float64("volatility", vol),
		)
	}
}

// NoteData records that market data arrived, for the silence heuristic.
func (m *MarketMonitor) NoteData(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastData) {
		m.lastData = at
	}
}

// ObserveMarketStatus ingests an explicit market-status signal. A closed
// market during expected trading hours is a halt.
func (m *MarketMonitor) ObserveMarketStatus(status domain.MarketStatus) {
	m.mu.Lock()
	wasHalted := m.halted
	nowHalted := !status.Open && m.TradingHours(status.At)
	m.halted = nowHalted
	if nowHalted {
		m.condition = domain.ConditionHalted
	} else if wasHalted {
		m.condition = m.Classify(m.prevVol)
	}
	m.mu.Unlock()

	if nowHalted && !wasHalted {
		_ = m.gate.Trip(domain.TriggerMarketHalt, "broker reports market closed during trading hours")
	}
}

// Volatility returns the most recent volatility reading; ok is false
// before the first observation.
func (m *MarketMonitor) Volatility() (vol float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevVol, m.hasPrev
}

// Condition returns the current market condition.
func (m *MarketMonitor) Condition() domain.MarketCondition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.condition
}

// ShockLog returns a copy of the shock log, most recent first.
func (m *MarketMonitor) ShockLog() []ShockEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ShockEvent, len(m.shockLog))
	copy(out, m.shockLog)
	return out
}

// Start launches the poll loop: it fetches the broker market status and
// runs the data-silence heuristic on each tick. It stops when ctx is
// cancelled.
func (m *MarketMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				m.poll(ctx, t)
			}
		}
	}()
}

func (m *MarketMonitor) poll(ctx context.Context, now time.Time) {
	if m.status != nil {
		if status, err := m.status.GetMarketStatus(ctx); err == nil {
			m.ObserveMarketStatus(status)
		} else {
			m.logger.Warn("market status fetch failed", slog.String("error", err.Error()))
		}
	}

	// Silence heuristic: no data for too long during trading hours reads
	// as a halt even without an explicit status signal.
	m.mu.Lock()
	silent := m.cfg.SilenceLimit > 0 &&
		now.Sub(m.lastData) > m.cfg.SilenceLimit &&
		m.TradingHours(now) &&
		!m.halted
	if silent {
		m.halted = true
		m.condition = domain.ConditionHalted
	}
	m.mu.Unlock()

	if silent {
		_ = m.gate.Trip(domain.TriggerMarketHalt,
			fmt.Sprintf("no market data for over %s during trading hours", m.cfg.SilenceLimit))
	}
}

// defaultTradingHours covers the regular US options session, expressed in
// UTC (13:30-20:00, Monday-Friday). DST shifts are accepted as slack.
func defaultTradingHours(t time.Time) bool {
	utc := t.UTC()
	switch utc.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := utc.Hour()*60 + utc.Minute()
	return mins >= 13*60+30 && mins < 20*60
}
