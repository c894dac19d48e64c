package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/metrics"
)

// CapitalConfig holds the allocator's ceilings. Shares are fractions of
// total capital.
type CapitalConfig struct {
	TotalCapital      int64 // cents
	GlobalUtilization float64
	StrategyShare     float64
	PositionShare     float64
}

// StrategyExposure is one strategy's slice of the exposure report.
type StrategyExposure struct {
	StrategyID string  `json:"strategy_id"`
	Allocated  int64   `json:"allocated_cents"`
	Share      float64 `json:"share"`
	Positions  int     `json:"positions"`
}

// ExposureReport is a snapshot of capital utilization.
type ExposureReport struct {
	TotalCapital  int64              `json:"total_capital_cents"`
	UsedMargin    int64              `json:"used_margin_cents"`
	Utilization   float64            `json:"utilization"`
	OpenPositions int                `json:"open_positions"`
	UnrealizedPnL int64              `json:"unrealized_pnl_cents"`
	Strategies    []StrategyExposure `json:"strategies"`
}

// CapitalService tracks used margin and per-strategy capital, and enforces
// three nested ceilings checked broadest-first: global utilization,
// per-strategy share, per-position share. The check and the margin update
// are a single critical section, so two concurrent near-limit admissions
// cannot both pass. The capital charge is fixed at entry notional;
// mark-to-market only moves unrealized P&L bookkeeping.
type CapitalService struct {
	cfg    CapitalConfig
	logger *slog.Logger

	mu          sync.Mutex
	positions   map[string]*domain.Position
	usedMargin  int64
	perStrategy map[string]int64
	realizedPnL int64 // cents, accumulated on Reduce, cleared by ResetDaily
}

// NewCapitalService creates an allocator with no exposure.
func NewCapitalService(cfg CapitalConfig, logger *slog.Logger) *CapitalService {
	return &CapitalService{
		cfg:         cfg,
		logger:      logger,
		positions:   make(map[string]*domain.Position),
		perStrategy: make(map[string]int64),
	}
}

// CanAdmit reports whether a position of the given notional could be
// admitted for the strategy right now. Advisory: the authoritative check
// happens inside Admit.
func (s *CapitalService) CanAdmit(strategyID string, notional int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(strategyID, notional)
}

// checkLocked runs the three ceiling checks, cheapest and broadest first.
// Callers must hold s.mu.
func (s *CapitalService) checkLocked(strategyID string, notional int64) error {
	if notional <= 0 {
		return &domain.ValidationError{Message: "notional must be positive"}
	}
	total := float64(s.cfg.TotalCapital)

	// (a) global utilization ceiling
	if float64(s.usedMargin+notional)/total > s.cfg.GlobalUtilization {
		return domain.ErrCapitalExhausted
	}
	// (b) per-strategy ceiling
	if float64(s.perStrategy[strategyID]+notional)/total > s.cfg.StrategyShare {
		return domain.ErrCapitalExhausted
	}
	// (c) per-position ceiling
	if float64(notional)/total > s.cfg.PositionShare {
		return domain.ErrCapitalExhausted
	}
	return nil
}

// Admit reserves capital for a new position. All-or-nothing: if any
// ceiling would be violated nothing is applied. The position's Notional is
// derived from its entry price and quantity and stays fixed until Release.
func (s *CapitalService) Admit(pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	notional := pos.EntryPrice * abs64(pos.Quantity)
	if err := s.checkLocked(pos.StrategyID, notional); err != nil {
		return err
	}

	if pos.PositionID == "" {
		pos.PositionID = uuid.New().String()
	}
	pos.Notional = notional
	if pos.CurrentPrice == 0 {
		pos.CurrentPrice = pos.EntryPrice
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}

	s.positions[pos.PositionID] = pos
	s.usedMargin += notional
	s.perStrategy[pos.StrategyID] += notional
	metrics.CapitalUsed.Set(float64(s.usedMargin))
	return nil
}

// Grow admits additional exposure onto an existing position. The increment
// is checked against the same three ceilings as a fresh admit; on success
// the position's quantity, notional, and volume-weighted entry price absorb
// it. A fill that splits across executions therefore stays one position.
func (s *CapitalService) Grow(positionID string, qty, price int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return domain.ErrPositionNotFound
	}

	add := price * abs64(qty)
	if err := s.checkLocked(pos.StrategyID, add); err != nil {
		return err
	}
	// The grown position as a whole must also stay under the per-position
	// ceiling; checkLocked only sees the increment.
	if float64(pos.Notional+add)/float64(s.cfg.TotalCapital) > s.cfg.PositionShare {
		return domain.ErrCapitalExhausted
	}

	oldAbs := abs64(pos.Quantity)
	newAbs := abs64(qty)
	pos.EntryPrice = (pos.EntryPrice*oldAbs + price*newAbs) / (oldAbs + newAbs)
	pos.Quantity += qty
	pos.Notional += add

	s.usedMargin += add
	s.perStrategy[pos.StrategyID] += add
	metrics.CapitalUsed.Set(float64(s.usedMargin))
	return nil
}

// Release frees the position's full capital charge. It always succeeds for
// a known position.
func (s *CapitalService) Release(positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(positionID)
}

func (s *CapitalService) releaseLocked(positionID string) error {
	pos, ok := s.positions[positionID]
	if !ok {
		return domain.ErrPositionNotFound
	}

	s.usedMargin -= pos.Notional
	s.perStrategy[pos.StrategyID] -= pos.Notional
	if s.perStrategy[pos.StrategyID] <= 0 {
		delete(s.perStrategy, pos.StrategyID)
	}
	delete(s.positions, positionID)
	metrics.CapitalUsed.Set(float64(s.usedMargin))
	return nil
}

// FindOpen returns the open position for a symbol and strategy, if any.
func (s *CapitalService) FindOpen(symbol, strategyID string) (*domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range s.positions {
		if pos.Symbol == symbol && pos.StrategyID == strategyID {
			return pos, true
		}
	}
	return nil, false
}

// Reduce shrinks a position toward zero by qty (in absolute units). The
// closed slice realizes P&L at the position's current price. When the net
// quantity reaches zero the position is removed and its full capital charge
// released; a partial close leaves the charge fixed at entry notional.
func (s *CapitalService) Reduce(positionID string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return domain.ErrPositionNotFound
	}

	closed := qty
	if abs64(pos.Quantity) < closed {
		closed = abs64(pos.Quantity)
	}
	if pos.Quantity > 0 {
		s.realizedPnL += (pos.CurrentPrice - pos.EntryPrice) * closed
	} else if pos.Quantity < 0 {
		s.realizedPnL += (pos.EntryPrice - pos.CurrentPrice) * closed
	}

	switch {
	case pos.Quantity > 0:
		pos.Quantity -= qty
		if pos.Quantity < 0 {
			pos.Quantity = 0
		}
	case pos.Quantity < 0:
		pos.Quantity += qty
		if pos.Quantity > 0 {
			pos.Quantity = 0
		}
	}
	if pos.Quantity == 0 {
		return s.releaseLocked(positionID)
	}
	return nil
}

// MarkPrice updates the current price of every position in the symbol.
// This moves unrealized P&L only, never the capital charge.
func (s *CapitalService) MarkPrice(symbol string, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range s.positions {
		if pos.Symbol == symbol {
			pos.CurrentPrice = price
		}
	}
}

// OpenPositions returns the number of open positions, for breaker signals.
func (s *CapitalService) OpenPositions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// UsedMargin returns the reserved margin in cents.
func (s *CapitalService) UsedMargin() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedMargin
}

// Signal snapshots the values the circuit breaker evaluates periodically.
// Day P&L combines realized and open unrealized P&L; only a net loss is
// reported, as a percentage of total capital.
func (s *CapitalService) Signal(at time.Time) domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	pnl := s.realizedPnL
	for _, pos := range s.positions {
		pnl += pos.UnrealizedPnL()
	}

	sig := domain.Signal{
		OpenPositions: len(s.positions),
		At:            at,
	}
	if pnl < 0 && s.cfg.TotalCapital > 0 {
		sig.DailyLossPct = float64(-pnl) / float64(s.cfg.TotalCapital) * 100
	}
	return sig
}

// ResetDaily clears the realized P&L accumulator at the day boundary.
func (s *CapitalService) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realizedPnL = 0
}

// Exposure builds the utilization snapshot.
func (s *CapitalService) Exposure() ExposureReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := ExposureReport{
		TotalCapital:  s.cfg.TotalCapital,
		UsedMargin:    s.usedMargin,
		Utilization:   float64(s.usedMargin) / float64(s.cfg.TotalCapital),
		OpenPositions: len(s.positions),
	}

	counts := make(map[string]int)
	for _, pos := range s.positions {
		report.UnrealizedPnL += pos.UnrealizedPnL()
		counts[pos.StrategyID]++
	}
	for strategyID, allocated := range s.perStrategy {
		report.Strategies = append(report.Strategies, StrategyExposure{
			StrategyID: strategyID,
			Allocated:  allocated,
			Share:      float64(allocated) / float64(s.cfg.TotalCapital),
			Positions:  counts[strategyID],
		})
	}
	return report
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
