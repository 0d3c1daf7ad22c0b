package market

import "math/big"

// reserve decrements the listing's remaining inventory by qty base units and
// reports whether the listing is now exhausted. Pure bookkeeping: callers own
// persistence and custody movement. The settlement latch must be held so no
// external path can touch counts mid-operation.
func (e *Engine) reserve(l *Listing, qty *big.Int) (bool, error) {
	if e == nil || !e.busy {
		return false, errInventoryUnlatched
	}
	if l == nil {
		return false, ErrListingNotFound
	}
	if qty == nil || qty.Sign() <= 0 {
		return false, ErrInvalidQuantity
	}
	if l.Remaining == nil || l.Remaining.Cmp(qty) < 0 {
		return false, ErrInsufficientInventory
	}
	l.Remaining = new(big.Int).Sub(l.Remaining, qty)
	exhausted := l.Remaining.Sign() == 0
	if exhausted {
		l.Active = false
	}
	return exhausted, nil
}

// restock adds qty base units to both the total and remaining counters during
// a seller top-up. Same latch discipline as reserve.
func (e *Engine) restock(l *Listing, qty *big.Int) error {
	if e == nil || !e.busy {
		return errInventoryUnlatched
	}
	if l == nil {
		return ErrListingNotFound
	}
	if qty == nil || qty.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	l.Quantity = new(big.Int).Add(cloneBigInt(l.Quantity), qty)
	l.Remaining = new(big.Int).Add(cloneBigInt(l.Remaining), qty)
	return nil
}
