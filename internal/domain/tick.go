package domain

import "time"

// Tick is a single market-data update from a feed. Prices are in cents;
// zero means the field was absent from the wire message.
type Tick struct {
	Feed      string
	Symbol    string
	Bid       int64
	Ask       int64
	Last      int64
	Volume    int64
	Timestamp time.Time // the tick's own timestamp, not arrival time
}

// MarketCondition classifies the market regime derived from the latest
// volatility reading and the halt flag.
type MarketCondition string

const (
	ConditionNormal     MarketCondition = "normal"
	ConditionElevated   MarketCondition = "elevated"
	ConditionHighStress MarketCondition = "high_stress"
	ConditionExtreme    MarketCondition = "extreme"
	ConditionHalted     MarketCondition = "halted"
)

// MarketStatus is the broker's view of whether the market is open.
type MarketStatus struct {
	Open bool
	At   time.Time
}
