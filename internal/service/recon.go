package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/controlplane/internal/broker"
	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/metrics"
	"github.com/quantrail/controlplane/internal/store"
)

// ReconConfig holds the matcher's tolerances and the run cadence.
type ReconConfig struct {
	Interval   time.Duration
	Lookback   time.Duration
	PriceTol   int64 // cents
	TimeWindow time.Duration
}

// ReconService audits the internal order/fill ledger against the broker's
// trade list. It is read-only with respect to the ledger: it never
// auto-corrects, only reports. Matching is deterministic, so two runs over
// the same inputs produce identical buckets.
type ReconService struct {
	cfg    ReconConfig
	orders *store.OrderStore
	log    *store.ReconLog
	client broker.Client
	logger *slog.Logger
}

// NewReconService creates a reconciler over the given ledger.
func NewReconService(cfg ReconConfig, orders *store.OrderStore, log *store.ReconLog, client broker.Client, logger *slog.Logger) *ReconService {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	return &ReconService{
		cfg:    cfg,
		orders: orders,
		log:    log,
		client: client,
		logger: logger,
	}
}

// aggregate is the broker's trades for one broker order ID, collapsed into
// totals for comparison against the internal fill ledger.
type aggregate struct {
	brokerOrderID string
	symbol        string
	quantity      int64
	vwap          int64
	firstAt       time.Time
}

// Run compares the internal ledger against the broker trade list and
// returns the four-bucket result. Inputs are not mutated.
func (s *ReconService) Run(brokerTrades []domain.BrokerTrade) *domain.ReconciliationResult {
	result := &domain.ReconciliationResult{
		RunID: uuid.New().String(),
		At:    time.Now(),
	}

	// Collapse broker executions per broker order ID.
	groups := make(map[string]*aggregate)
	for _, t := range brokerTrades {
		if t.Quantity <= 0 {
			// A malformed record must not poison the run (the VWAP below
			// divides by the accumulated quantity).
			s.logger.Warn("ignoring broker trade with non-positive quantity",
				slog.String("broker_order_id", t.BrokerOrderID),
				slog.Int64("quantity", t.Quantity),
			)
			continue
		}
		g, ok := groups[t.BrokerOrderID]
		if !ok {
			g = &aggregate{brokerOrderID: t.BrokerOrderID, symbol: t.Symbol, firstAt: t.ExecutedAt}
			groups[t.BrokerOrderID] = g
		}
		// VWAP over the group, integer arithmetic.
		g.vwap = (g.vwap*g.quantity + t.Price*t.Quantity) / (g.quantity + t.Quantity)
		g.quantity += t.Quantity
		if t.ExecutedAt.Before(g.firstAt) {
			g.firstAt = t.ExecutedAt
		}
	}

	// Internal side: only orders with executions participate.
	var internal []*domain.Order
	for _, o := range s.orders.All() {
		if o.FilledQty > 0 {
			internal = append(internal, o)
		}
	}
	sort.Slice(internal, func(i, j int) bool { return internal[i].OrderID < internal[j].OrderID })

	matchedBroker := make(map[string]bool)
	var unmatchedOrders []*domain.Order

	// Pass 1: exact match on broker order ID.
	for _, o := range internal {
		g, ok := groups[o.BrokerOrderID]
		if !ok || o.BrokerOrderID == "" {
			unmatchedOrders = append(unmatchedOrders, o)
			continue
		}
		matchedBroker[o.BrokerOrderID] = true
		s.compare(result, o, g)
	}

	// Pass 2: fuzzy match leftovers on (symbol, quantity, price within
	// tolerance, timestamp within window). Broker groups are visited in a
	// fixed order so reruns bucket identically.
	var leftovers []*aggregate
	for id, g := range groups {
		if !matchedBroker[id] {
			leftovers = append(leftovers, g)
		}
	}
	sort.Slice(leftovers, func(i, j int) bool { return leftovers[i].brokerOrderID < leftovers[j].brokerOrderID })

	stillUnmatched := unmatchedOrders[:0]
	for _, o := range unmatchedOrders {
		idx := s.fuzzyMatch(o, leftovers)
		if idx < 0 {
			stillUnmatched = append(stillUnmatched, o)
			continue
		}
		g := leftovers[idx]
		matchedBroker[g.brokerOrderID] = true
		leftovers = append(leftovers[:idx], leftovers[idx+1:]...)
		s.compare(result, o, g)
	}

	for _, o := range stillUnmatched {
		result.MissingAtBroker = append(result.MissingAtBroker, o.OrderID)
	}
	for _, g := range leftovers {
		for _, t := range brokerTrades {
			if t.BrokerOrderID == g.brokerOrderID && t.Quantity > 0 {
				result.MissingInSystem = append(result.MissingInSystem, t)
			}
		}
	}
	return result
}

// compare buckets a paired order/group as matched or mismatched.
func (s *ReconService) compare(result *domain.ReconciliationResult, o *domain.Order, g *aggregate) {
	if g.quantity != o.FilledQty {
		result.Mismatched = append(result.Mismatched, domain.ReconMismatch{
			OrderID:       o.OrderID,
			BrokerOrderID: g.brokerOrderID,
			Reason:        fmt.Sprintf("quantity: system %d, broker %d", o.FilledQty, g.quantity),
		})
		return
	}
	if avg, ok := o.AveragePrice(); ok && absDiff(avg, g.vwap) > s.cfg.PriceTol {
		result.Mismatched = append(result.Mismatched, domain.ReconMismatch{
			OrderID:       o.OrderID,
			BrokerOrderID: g.brokerOrderID,
			Reason:        fmt.Sprintf("price: system avg %d, broker vwap %d", avg, g.vwap),
		})
		return
	}
	result.Matched = append(result.Matched, o.OrderID)
}

// fuzzyMatch returns the index of the first leftover group matching the
// order, or -1.
func (s *ReconService) fuzzyMatch(o *domain.Order, groups []*aggregate) int {
	avg, ok := o.AveragePrice()
	if !ok {
		return -1
	}
	firstFill := o.Fills[0].ExecutedAt

	for i, g := range groups {
		if g.symbol != o.Symbol {
			continue
		}
		if g.quantity != o.FilledQty {
			continue
		}
		if absDiff(avg, g.vwap) > s.cfg.PriceTol {
			continue
		}
		delta := g.firstAt.Sub(firstFill)
		if delta < 0 {
			delta = -delta
		}
		if delta > s.cfg.TimeWindow {
			continue
		}
		return i
	}
	return -1
}

// Start launches the periodic audit loop. It stops when ctx is cancelled.
func (s *ReconService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce fetches broker trades, runs the comparison, and appends the
// result to the log.
func (s *ReconService) RunOnce(ctx context.Context) (*domain.ReconciliationResult, error) {
	trades, err := s.client.ListTrades(ctx, time.Now().Add(-s.cfg.Lookback))
	if err != nil {
		s.logger.Warn("reconciliation fetch failed", slog.String("error", err.Error()))
		return nil, err
	}

	result := s.Run(trades)
	s.log.Append(result)

	discrepancies := len(result.Mismatched) + len(result.MissingInSystem) + len(result.MissingAtBroker)
	metrics.ReconMismatches.Set(float64(discrepancies))
	if discrepancies > 0 {
		s.logger.Error("reconciliation found discrepancies",
			slog.String("run_id", result.RunID),
			slog.Int("mismatched", len(result.Mismatched)),
			slog.Int("missing_in_system", len(result.MissingInSystem)),
			slog.Int("missing_at_broker", len(result.MissingAtBroker)),
		)
	} else {
		s.logger.Info("reconciliation clean",
			slog.String("run_id", result.RunID),
			slog.Int("matched", len(result.Matched)),
		)
	}
	return result, nil
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
