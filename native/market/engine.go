package market

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"marketd/core/events"
	"marketd/core/types"
	"marketd/native/common"
)

// ModuleName identifies the engine for operator pause switches.
const ModuleName = "market"

var (
	errNilState       = errors.New("market engine: state not configured")
	errNoPaymentToken = errors.New("market engine: payment token not configured")
)

// engineState is the narrow view of node state the engine depends on. The
// snapshot pair brackets every mutating operation so a failure after the
// first write rolls the whole call back.
type engineState interface {
	ListingPut(*Listing) error
	ListingGet(id uint64) (*Listing, bool)
	NextListingID() (uint64, error)
	SellerIndexAppend(seller [20]byte, id uint64) error
	SellerListings(seller [20]byte) ([]uint64, error)
	UnitListingID(asset string) (uint64, bool, error)
	SetUnitListingID(asset string, id uint64) error
	CustodyCredit(asset string, amt *big.Int) error
	CustodyDebit(asset string, amt *big.Int) error
	CustodyBalance(asset string) (*big.Int, error)
	MarketVaultAddress(asset string) ([20]byte, error)
	TokenDecimals(symbol string) (uint8, bool, error)
	Transfer(from, to [20]byte, symbol string, amount *big.Int) error
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

type marketEvent struct {
	evt *types.Event
}

func (m marketEvent) EventType() string {
	if m.evt == nil {
		return ""
	}
	return m.evt.Type
}

func (m marketEvent) Event() *types.Event { return m.evt }

// Engine owns the listing registry and settles purchases against it. All
// mutating operations run under an explicit non-reentrant latch and inside a
// state snapshot, so each call either fully applies or leaves no trace.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	pauses       common.PauseView
	paymentToken string
	nowFn        func() int64
	busy         bool
}

// NewEngine creates a market engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses configures the operator pause switches consulted on every
// mutating call.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetPaymentToken configures the token symbol settled against on every sale.
func (e *Engine) SetPaymentToken(symbol string) {
	if normalized, err := NormalizeAsset(symbol); err == nil {
		e.paymentToken = normalized
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// beginSettlement acquires the engine latch. A nested call arriving through a
// transfer callback observes the latch and fails instead of executing.
func (e *Engine) beginSettlement() error {
	if e.busy {
		return ErrReentrantCall
	}
	e.busy = true
	return nil
}

func (e *Engine) endSettlement() { e.busy = false }

func (e *Engine) loadListing(id uint64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, ok := e.state.ListingGet(id)
	if !ok {
		return nil, ErrListingNotFound
	}
	return listing, nil
}

// transferIn pulls custody from the seller into the asset vault.
func (e *Engine) transferIn(from [20]byte, asset string, amount *big.Int) error {
	vault, err := e.state.MarketVaultAddress(asset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCustodyTransfer, err)
	}
	if err := e.state.Transfer(from, vault, asset, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrCustodyTransfer, err)
	}
	return e.state.CustodyCredit(asset, amount)
}

// transferOut releases custodied assets from the vault to the recipient.
func (e *Engine) transferOut(to [20]byte, asset string, amount *big.Int) error {
	vault, err := e.state.MarketVaultAddress(asset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCustodyTransfer, err)
	}
	if err := e.state.Transfer(vault, to, asset, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrCustodyTransfer, err)
	}
	return e.state.CustodyDebit(asset, amount)
}

// transferValue moves payment-token value. Both legs of a sale (buyer into
// the vault, vault on to the seller) route through here so a rejection on
// either side surfaces as a payment-forwarding failure.
func (e *Engine) transferValue(from, to [20]byte, amount *big.Int) error {
	if e.paymentToken == "" {
		return errNoPaymentToken
	}
	if err := e.state.Transfer(from, to, e.paymentToken, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentForwarding, err)
	}
	return nil
}

// assetDecimals resolves the precision snapshot stored on new listings. The
// registry query is fallible; absent metadata falls back to the documented
// default rather than failing the listing.
func (e *Engine) assetDecimals(asset string) (uint8, error) {
	decimals, ok, err := e.state.TokenDecimals(asset)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultAssetDecimals, nil
	}
	return decimals, nil
}

// Create custodies quantity base units of asset and opens a listing priced by
// terms. Lot listings require a sale window within policy bounds; unit
// listings take no window and, when the seller already has the active unit
// listing for the asset, top up its inventory instead of opening a duplicate.
func (e *Engine) Create(seller [20]byte, asset string, quantity *big.Int, terms PriceTerms, window int64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if err := e.beginSettlement(); err != nil {
		return nil, err
	}
	defer e.endSettlement()

	snap := e.state.Snapshot()
	listing, err := e.createLocked(seller, asset, quantity, terms, window)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	e.state.DiscardSnapshot(snap)
	return listing, nil
}

func (e *Engine) createLocked(seller [20]byte, asset string, quantity *big.Int, terms PriceTerms, window int64) (*Listing, error) {
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	if e.paymentToken == "" {
		return nil, errNoPaymentToken
	}
	if normalized == e.paymentToken {
		return nil, ErrInvalidAsset
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return nil, ErrInvalidQuantity
	}
	if !terms.Kind.Valid() || terms.Amount == nil || terms.Amount.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	switch terms.Kind {
	case KindLot:
		if !validListingWindow(window) {
			return nil, ErrInvalidWindow
		}
	case KindUnit:
		if window != 0 {
			return nil, ErrInvalidWindow
		}
	}

	qty := cloneBigInt(quantity)
	anchor := cloneBigInt(terms.Amount)
	now := e.now()

	if terms.Kind == KindUnit {
		id, ok, err := e.state.UnitListingID(normalized)
		if err != nil {
			return nil, err
		}
		if ok {
			existing, found := e.state.ListingGet(id)
			if found && existing.Active {
				if existing.Seller != seller {
					return nil, ErrNotOwner
				}
				return e.topUpLocked(existing, qty, anchor)
			}
			// Terminal listing under the index: a fresh create below
			// repoints it.
		}
	}

	if err := e.transferIn(seller, normalized, qty); err != nil {
		return nil, err
	}

	id, err := e.state.NextListingID()
	if err != nil {
		return nil, err
	}
	decimals, err := e.assetDecimals(normalized)
	if err != nil {
		return nil, err
	}
	listing := &Listing{
		ID:            id,
		Kind:          terms.Kind,
		Seller:        seller,
		Asset:         normalized,
		AssetDecimals: decimals,
		Quantity:      qty,
		Remaining:     cloneBigInt(qty),
		PriceAnchor:   anchor,
		CreatedAt:     now,
		Active:        true,
	}
	if terms.Kind == KindLot {
		listing.ExpiresAt = now + window
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	if err := e.state.SellerIndexAppend(seller, id); err != nil {
		return nil, err
	}
	if terms.Kind == KindUnit {
		if err := e.state.SetUnitListingID(normalized, id); err != nil {
			return nil, err
		}
	}
	e.emit(NewListedEvent(listing))
	return listing.Clone(), nil
}

func (e *Engine) topUpLocked(listing *Listing, qty, anchor *big.Int) (*Listing, error) {
	if err := e.transferIn(listing.Seller, listing.Asset, qty); err != nil {
		return nil, err
	}
	if err := e.restock(listing, qty); err != nil {
		return nil, err
	}
	listing.PriceAnchor = anchor
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(NewToppedUpEvent(listing, qty))
	return listing.Clone(), nil
}

// Buy settles a purchase against the listing. Lot listings sell only in full
// and only inside their window; unit listings sell 1..100 whole units priced
// linearly. The declared payment must equal the computed price exactly, and
// the inventory decrement commits before any transfer leaves the engine.
func (e *Engine) Buy(buyer [20]byte, id uint64, quantity, payment *big.Int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if err := e.beginSettlement(); err != nil {
		return nil, err
	}
	defer e.endSettlement()

	snap := e.state.Snapshot()
	receipt, err := e.buyLocked(buyer, id, quantity, payment)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	e.state.DiscardSnapshot(snap)
	return receipt, nil
}

func (e *Engine) buyLocked(buyer [20]byte, id uint64, quantity, payment *big.Int) (*Receipt, error) {
	listing, err := e.loadListing(id)
	if err != nil {
		return nil, err
	}
	if !listing.Active {
		return nil, ErrListingNotActive
	}
	now := e.now()
	if listing.Expired(now) {
		return nil, ErrListingNotActive
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return nil, ErrInvalidQuantity
	}

	var fill *big.Int
	switch listing.Kind {
	case KindLot:
		if quantity.Cmp(listing.Remaining) != 0 {
			return nil, ErrInvalidQuantity
		}
		fill = cloneBigInt(listing.Remaining)
	case KindUnit:
		if !validUnitQuantity(quantity) {
			return nil, ErrInvalidQuantity
		}
		fill = baseUnits(quantity, listing.AssetDecimals)
		if fill.Cmp(listing.Remaining) > 0 {
			return nil, ErrInsufficientInventory
		}
	default:
		return nil, ErrListingNotFound
	}

	expected, err := ExpectedPayment(listing, quantity)
	if err != nil {
		return nil, err
	}
	if payment == nil || payment.Cmp(expected) != 0 {
		return nil, ErrPriceMismatch
	}

	// Inventory commits first. A reentrant callback that somehow slipped
	// the latch would observe exhausted state, never stale stock.
	if _, err := e.reserve(listing, fill); err != nil {
		return nil, err
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}

	vault, verr := e.state.MarketVaultAddress(listing.Asset)
	if verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentForwarding, verr)
	}
	if err := e.transferValue(buyer, vault, expected); err != nil {
		return nil, err
	}
	if err := e.transferOut(buyer, listing.Asset, fill); err != nil {
		return nil, err
	}
	if err := e.transferValue(vault, listing.Seller, expected); err != nil {
		return nil, err
	}

	receipt := &Receipt{
		ListingID: listing.ID,
		Buyer:     buyer,
		Seller:    listing.Seller,
		Asset:     listing.Asset,
		Filled:    fill,
		Payment:   expected,
		Remaining: cloneBigInt(listing.Remaining),
		SettledAt: now,
	}
	e.emit(NewPurchasedEvent(receipt))
	return receipt, nil
}

// Cancel terminates an active listing and returns its remaining custody to
// the seller. Only the recorded seller may cancel.
func (e *Engine) Cancel(caller [20]byte, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	if err := e.beginSettlement(); err != nil {
		return err
	}
	defer e.endSettlement()

	snap := e.state.Snapshot()
	if err := e.cancelLocked(caller, id); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	e.state.DiscardSnapshot(snap)
	return nil
}

func (e *Engine) cancelLocked(caller [20]byte, id uint64) error {
	listing, err := e.loadListing(id)
	if err != nil {
		return err
	}
	if caller != listing.Seller {
		return ErrNotSeller
	}
	if !listing.Active {
		return ErrListingNotActive
	}
	refund := cloneBigInt(listing.Remaining)
	listing.Active = false
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	if refund.Sign() > 0 {
		if err := e.transferOut(listing.Seller, listing.Asset, refund); err != nil {
			return err
		}
	}
	e.emit(NewCancelledEvent(listing, refund))
	return nil
}

// Reclaim returns the remaining custody of an expired lot listing to its
// seller. Any caller may trigger it; the destination is always the recorded
// seller, so permissionless triggering carries no theft risk.
func (e *Engine) Reclaim(caller [20]byte, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	if err := e.beginSettlement(); err != nil {
		return err
	}
	defer e.endSettlement()

	snap := e.state.Snapshot()
	if err := e.reclaimLocked(caller, id); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	e.state.DiscardSnapshot(snap)
	return nil
}

func (e *Engine) reclaimLocked(caller [20]byte, id uint64) error {
	listing, err := e.loadListing(id)
	if err != nil {
		return err
	}
	if !listing.Active {
		return ErrListingNotActive
	}
	if !listing.Expired(e.now()) {
		return ErrListingNotExpired
	}
	refund := cloneBigInt(listing.Remaining)
	listing.Active = false
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	if refund.Sign() > 0 {
		if err := e.transferOut(listing.Seller, listing.Asset, refund); err != nil {
			return err
		}
	}
	e.emit(NewExpiredEvent(listing, caller, refund))
	return nil
}

// Get returns the listing with the given id.
func (e *Engine) Get(id uint64) (*Listing, error) {
	listing, err := e.loadListing(id)
	if err != nil {
		return nil, err
	}
	return listing.Clone(), nil
}

// ListingsBySeller returns every listing the seller has created, in creation
// order, terminal records included.
func (e *Engine) ListingsBySeller(seller [20]byte) ([]*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.SellerListings(seller)
	if err != nil {
		return nil, err
	}
	listings := make([]*Listing, 0, len(ids))
	for _, id := range ids {
		listing, ok := e.state.ListingGet(id)
		if !ok {
			continue
		}
		listings = append(listings, listing.Clone())
	}
	return listings, nil
}

// CustodyBalance returns the engine's custody pool for the asset. The pool
// equals the sum of remaining inventory across the asset's active listings.
func (e *Engine) CustodyBalance(asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	return e.state.CustodyBalance(normalized)
}

// UnitListingByAsset returns the latest unit-kind listing for the asset, or
// ErrListingNotFound when the asset has never been unit-listed.
func (e *Engine) UnitListingByAsset(asset string) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	id, ok, err := e.state.UnitListingID(normalized)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrListingNotFound
	}
	return e.Get(id)
}
