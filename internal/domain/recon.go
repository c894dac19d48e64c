package domain

import "time"

// BrokerTrade is one execution as reported by the broker, used as
// reconciliation input. The broker's record is never mutated.
type BrokerTrade struct {
	BrokerOrderID string
	Symbol        string
	Quantity      int64
	Price         int64 // cents
	ExecutedAt    time.Time
}

// ReconMismatch describes one order whose broker record disagrees with the
// internal ledger.
type ReconMismatch struct {
	OrderID       string
	BrokerOrderID string
	Reason        string
}

// ReconciliationResult is the outcome of one reconciliation run. Results
// are append-only: a run never corrects the ledger, it only reports.
type ReconciliationResult struct {
	RunID           string
	At              time.Time
	Matched         []string        // internal order IDs
	Mismatched      []ReconMismatch // price/quantity disagreement
	MissingInSystem []BrokerTrade   // broker has it, we do not
	MissingAtBroker []string        // internal order IDs the broker lacks
}
