package service

import (
	"log/slog"

	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/engine"
)

// ControlResult is the structured outcome of an operator action.
type ControlResult struct {
	OK    bool                `json:"ok"`
	State domain.BreakerState `json:"state"`
	Error string              `json:"error,omitempty"`
}

// StatusReport is the operator's view of the control plane.
type StatusReport struct {
	Breaker   domain.BreakerRecord   `json:"breaker"`
	Condition domain.MarketCondition `json:"condition"`
	ShockLog  []engine.ShockEvent    `json:"shock_log"`
	Feeds     []FeedStatus           `json:"feeds"`
}

// FeedStatus summarizes one feed's health for reporting.
type FeedStatus struct {
	Feed        string  `json:"feed"`
	Healthy     bool    `json:"healthy"`
	Fallback    bool    `json:"fallback_active"`
	FailureRate float64 `json:"failure_rate"`
}

// ControlService is the operator-facing control surface: emergency stop,
// reset, and override, each requiring a credential comparison and a
// human-readable reason, each returning the resulting state.
type ControlService struct {
	breaker *engine.CircuitBreaker
	market  *engine.MarketMonitor
	quality *engine.DataQualityMonitor
	logger  *slog.Logger
}

// NewControlService creates the control surface over the given components.
func NewControlService(
	breaker *engine.CircuitBreaker,
	market *engine.MarketMonitor,
	quality *engine.DataQualityMonitor,
	logger *slog.Logger,
) *ControlService {
	return &ControlService{
		breaker: breaker,
		market:  market,
		quality: quality,
		logger:  logger,
	}
}

// EmergencyStop halts all trading. It always succeeds, from any state, and
// only an authenticated reset can leave it.
func (s *ControlService) EmergencyStop(reason string) ControlResult {
	if reason == "" {
		reason = "operator emergency stop"
	}
	err := s.breaker.Trip(domain.TriggerEmergencyStop, reason)
	return s.result(err)
}

// Disable puts the gate into MANUAL_DISABLE.
func (s *ControlService) Disable(reason string) ControlResult {
	if reason == "" {
		reason = "operator disable"
	}
	err := s.breaker.Trip(domain.TriggerManualDisable, reason)
	return s.result(err)
}

// Reset returns the gate to ACTIVE. Leaving EMERGENCY_STOP requires the
// correct credential.
func (s *ControlService) Reset(reason, credential string) ControlResult {
	return s.result(s.breaker.Reset(reason, credential))
}

// EnableOverride permits trading despite a non-ACTIVE state.
func (s *ControlService) EnableOverride(reason, credential string) ControlResult {
	return s.result(s.breaker.EnableOverride(reason, credential))
}

// DisableOverride clears the override flag.
func (s *ControlService) DisableOverride() ControlResult {
	return s.result(s.breaker.DisableOverride())
}

// Status builds the operator status report.
func (s *ControlService) Status() StatusReport {
	report := StatusReport{
		Breaker:   s.breaker.Record(),
		Condition: s.market.Condition(),
		ShockLog:  s.market.ShockLog(),
	}
	for _, feed := range s.quality.Feeds() {
		if h, ok := s.quality.Health(feed); ok {
			report.Feeds = append(report.Feeds, FeedStatus{
				Feed:        h.Feed,
				Healthy:     h.Healthy,
				Fallback:    h.FallbackActive,
				FailureRate: h.FailureRate(),
			})
		}
	}
	return report
}

func (s *ControlService) result(err error) ControlResult {
	res := ControlResult{OK: err == nil, State: s.breaker.State()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
