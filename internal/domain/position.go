package domain

import "time"

// Position is the capital allocator's view of open exposure for one
// instrument and strategy. Created when a filled order opens exposure,
// updated on every price tick and partial close, removed when the net
// quantity returns to zero.
type Position struct {
	PositionID   string
	Symbol       string
	StrategyID   string
	Quantity     int64 // signed: negative for short exposure
	EntryPrice   int64 // cents
	CurrentPrice int64 // cents, updated on mark-to-market
	Notional     int64 // cents, fixed at entry; the capital charge
	OpenedAt     time.Time
}

// UnrealizedPnL returns the mark-to-market P&L in cents. The capital charge
// never moves with price; only this bookkeeping does.
func (p *Position) UnrealizedPnL() int64 {
	return (p.CurrentPrice - p.EntryPrice) * p.Quantity
}
