package store

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/quantrail/controlplane/internal/domain"
)

// terminalItem orders terminal orders by the time they became terminal so
// the retention sweeper can pop expired ones from the front.
type terminalItem struct {
	terminalAt time.Time
	orderID    string
}

func (a terminalItem) Less(b terminalItem) bool {
	if a.terminalAt.Equal(b.terminalAt) {
		return a.orderID < b.orderID
	}
	return a.terminalAt.Before(b.terminalAt)
}

// OrderStore is a thread-safe in-memory store for orders, with a primary
// index by order_id, a secondary index by broker_order_id, a per-symbol
// index of live (non-terminal) orders, and a btree of terminal orders
// keyed by terminal time for retention sweeping.
type OrderStore struct {
	mu           sync.RWMutex
	orders       map[string]*domain.Order
	byBrokerID   map[string]*domain.Order
	liveBySymbol map[string]map[string]*domain.Order
	terminal     *btree.BTreeG[terminalItem]
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:       make(map[string]*domain.Order),
		byBrokerID:   make(map[string]*domain.Order),
		liveBySymbol: make(map[string]map[string]*domain.Order),
		terminal:     btree.NewG(2, terminalItem.Less),
	}
}

// Create adds an order to the store and to the symbol's live index.
func (s *OrderStore) Create(o *domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.OrderID] = o
	if s.liveBySymbol[o.Symbol] == nil {
		s.liveBySymbol[o.Symbol] = make(map[string]*domain.Order)
	}
	s.liveBySymbol[o.Symbol][o.OrderID] = o
}

// Get retrieves an order by ID. It returns domain.ErrOrderNotFound if the
// order does not exist.
func (s *OrderStore) Get(id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

// GetByBrokerID retrieves an order by the broker's order ID.
func (s *OrderStore) GetByBrokerID(brokerOrderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.byBrokerID[brokerOrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

// SetBrokerID records the broker's ID for an order once acknowledged.
func (s *OrderStore) SetBrokerID(orderID, brokerOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.orders[orderID]; ok {
		o.BrokerOrderID = brokerOrderID
		s.byBrokerID[brokerOrderID] = o
	}
}

// LiveBySymbol returns the live (non-terminal) orders for a symbol.
func (s *OrderStore) LiveBySymbol(symbol string) []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := s.liveBySymbol[symbol]
	out := make([]*domain.Order, 0, len(live))
	for _, o := range live {
		out = append(out, o)
	}
	return out
}

// All returns every order currently in the store. The reconciler uses this
// as the internal side of the ledger comparison.
func (s *OrderStore) All() []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// MarkTerminal moves an order from the live index into the retention btree.
// Call it exactly once, when the order first reaches a terminal state.
func (s *OrderStore) MarkTerminal(o *domain.Order, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.TerminalAt = at
	if live, ok := s.liveBySymbol[o.Symbol]; ok {
		delete(live, o.OrderID)
		if len(live) == 0 {
			delete(s.liveBySymbol, o.Symbol)
		}
	}
	s.terminal.ReplaceOrInsert(terminalItem{terminalAt: at, orderID: o.OrderID})
}

// SweepTerminal removes orders that became terminal before the cutoff and
// returns how many were dropped.
func (s *OrderStore) SweepTerminal(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []terminalItem
	s.terminal.Ascend(func(item terminalItem) bool {
		if item.terminalAt.After(cutoff) {
			return false
		}
		expired = append(expired, item)
		return true
	})

	for _, item := range expired {
		s.terminal.Delete(item)
		if o, ok := s.orders[item.orderID]; ok {
			if o.BrokerOrderID != "" {
				delete(s.byBrokerID, o.BrokerOrderID)
			}
			delete(s.orders, item.orderID)
		}
	}
	return len(expired)
}

// Len returns the number of orders in the store. Useful for testing.
func (s *OrderStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
