package domain

import (
	"fmt"
	"sync"
)

// Inventory holds the outcome-token quantities accumulated in one market.
// Both components are always >= 0: fills accumulate on their own side, they
// are never netted against the opposite side within a market.
type Inventory struct {
	Yes float64
	No  float64
}

// Net returns YES minus NO quantity.
func (inv Inventory) Net() float64 { return inv.Yes - inv.No }

// Gross returns YES plus NO quantity.
func (inv Inventory) Gross() float64 { return inv.Yes + inv.No }

// Skew returns net/gross imbalance in [-1, 1], 0 when empty.
func (inv Inventory) Skew() float64 {
	gross := inv.Gross()
	if gross == 0 {
		return 0
	}
	return inv.Net() / gross
}

// InventoryBook tracks per-market inventories. Fill writers and the engine's
// market workers touch it concurrently, so every access holds the mutex and
// accessors hand out copies, never interior pointers.
type InventoryBook struct {
	mu      sync.Mutex
	markets map[string]*Inventory
}

// NewInventoryBook creates an empty book.
func NewInventoryBook() *InventoryBook {
	return &InventoryBook{markets: make(map[string]*Inventory)}
}

// Get returns a copy of the inventory for a market, zero if absent.
func (b *InventoryBook) Get(marketID string) Inventory {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inv, ok := b.markets[marketID]; ok {
		return *inv
	}
	return Inventory{}
}

// Credit adds a confirmed fill quantity to one side of a market.
// BUY fills accrue YES tokens, SELL fills accrue NO tokens.
func (b *InventoryBook) Credit(marketID, side string, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inv, ok := b.markets[marketID]
	if !ok {
		inv = &Inventory{}
		b.markets[marketID] = inv
	}
	switch side {
	case SideBuy:
		inv.Yes += qty
	case SideSell:
		inv.No += qty
	}
	verifyInvariant(marketID, inv)
}

// Snapshot returns a copy of all inventories for read-only consumers.
func (b *InventoryBook) Snapshot() map[string]Inventory {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make(map[string]Inventory, len(b.markets))
	for id, inv := range b.markets {
		result[id] = *inv
	}
	return result
}

// verifyInvariant halts on a negative component. A negative inventory means
// the state model is corrupt; it must never be silently clamped.
func verifyInvariant(marketID string, inv *Inventory) {
	if inv.Yes < 0 || inv.No < 0 {
		panic(fmt.Sprintf("INVENTORY_INVARIANT_NEGATIVE: market=%s yes=%f no=%f",
			marketID, inv.Yes, inv.No))
	}
}
