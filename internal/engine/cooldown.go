package engine

import (
	"sync"
	"time"
)

// CooldownRegistry tracks symbols that were stopped out. New entry orders
// for a symbol are rejected at admission until its cooldown window elapses;
// protective exits are exempt (intent priority is enforced by the caller).
type CooldownRegistry struct {
	window time.Duration

	mu    sync.Mutex
	until map[string]time.Time
}

// NewCooldownRegistry creates a registry with the given window.
func NewCooldownRegistry(window time.Duration) *CooldownRegistry {
	return &CooldownRegistry{
		window: window,
		until:  make(map[string]time.Time),
	}
}

// NoteStopOut starts (or restarts) the cooldown for a symbol.
func (c *CooldownRegistry) NoteStopOut(symbol string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[symbol] = at.Add(c.window)
}

// Active reports whether the symbol is still cooling down. Expired entries
// are pruned on check.
func (c *CooldownRegistry) Active(symbol string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[symbol]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.until, symbol)
		return false
	}
	return true
}

// Remaining returns how long the symbol's cooldown still runs. Zero when
// not cooling down.
func (c *CooldownRegistry) Remaining(symbol string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[symbol]
	if !ok || now.After(until) {
		return 0
	}
	return until.Sub(now)
}
