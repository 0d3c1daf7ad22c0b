package market

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"marketd/core/events"
	"marketd/core/types"
	"marketd/native/common"
)

const testPaymentToken = "USDM"

type mockState struct {
	listings    map[uint64]*Listing
	balances    map[string]map[[20]byte]*big.Int
	custody     map[string]*big.Int
	sellerIndex map[[20]byte][]uint64
	assetIndex  map[string]uint64
	decimals    map[string]uint8
	vaultAddrs  map[string][20]byte
	seq         uint64

	rejectTo   map[[20]byte]bool
	onTransfer func(from, to [20]byte, symbol string, amount *big.Int)

	snapshots []*mockState
	nextSnap  int
}

func newMockState() *mockState {
	return &mockState{
		listings:    make(map[uint64]*Listing),
		balances:    make(map[string]map[[20]byte]*big.Int),
		custody:     make(map[string]*big.Int),
		sellerIndex: make(map[[20]byte][]uint64),
		assetIndex:  make(map[string]uint64),
		decimals:    map[string]uint8{testPaymentToken: 6},
		vaultAddrs:  make(map[string][20]byte),
		rejectTo:    make(map[[20]byte]bool),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) setBalance(addr [20]byte, symbol string, amount *big.Int) {
	if _, ok := m.balances[symbol]; !ok {
		m.balances[symbol] = make(map[[20]byte]*big.Int)
	}
	m.balances[symbol][addr] = new(big.Int).Set(amount)
}

func (m *mockState) balance(addr [20]byte, symbol string) *big.Int {
	if bals, ok := m.balances[symbol]; ok {
		if existing, ok := bals[addr]; ok && existing != nil {
			return new(big.Int).Set(existing)
		}
	}
	return big.NewInt(0)
}

func (m *mockState) ListingPut(l *Listing) error {
	if l == nil {
		return fmt.Errorf("nil listing")
	}
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return err
	}
	m.listings[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) ListingGet(id uint64) (*Listing, bool) {
	listing, ok := m.listings[id]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

func (m *mockState) NextListingID() (uint64, error) {
	m.seq++
	return m.seq, nil
}

func (m *mockState) SellerIndexAppend(seller [20]byte, id uint64) error {
	m.sellerIndex[seller] = append(m.sellerIndex[seller], id)
	return nil
}

func (m *mockState) SellerListings(seller [20]byte) ([]uint64, error) {
	return append([]uint64(nil), m.sellerIndex[seller]...), nil
}

func (m *mockState) UnitListingID(asset string) (uint64, bool, error) {
	id, ok := m.assetIndex[asset]
	return id, ok, nil
}

func (m *mockState) SetUnitListingID(asset string, id uint64) error {
	m.assetIndex[asset] = id
	return nil
}

func (m *mockState) CustodyCredit(asset string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("negative credit")
	}
	current := big.NewInt(0)
	if existing, ok := m.custody[asset]; ok && existing != nil {
		current = new(big.Int).Set(existing)
	}
	m.custody[asset] = current.Add(current, amt)
	return nil
}

func (m *mockState) CustodyDebit(asset string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("negative debit")
	}
	current := big.NewInt(0)
	if existing, ok := m.custody[asset]; ok && existing != nil {
		current = new(big.Int).Set(existing)
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("insufficient custody")
	}
	m.custody[asset] = current.Sub(current, amt)
	return nil
}

func (m *mockState) CustodyBalance(asset string) (*big.Int, error) {
	if existing, ok := m.custody[asset]; ok && existing != nil {
		return new(big.Int).Set(existing), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) MarketVaultAddress(asset string) ([20]byte, error) {
	if addr, ok := m.vaultAddrs[asset]; ok {
		return addr, nil
	}
	addr := newTestAddress(byte(0xA0 + len(m.vaultAddrs)))
	m.vaultAddrs[asset] = addr
	return addr, nil
}

func (m *mockState) TokenDecimals(symbol string) (uint8, bool, error) {
	decimals, ok := m.decimals[symbol]
	return decimals, ok, nil
}

func (m *mockState) Transfer(from, to [20]byte, symbol string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("negative transfer")
	}
	if m.rejectTo[to] {
		return fmt.Errorf("recipient refused transfer")
	}
	fromBal := m.balance(from, symbol)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient %s balance", symbol)
	}
	m.setBalance(from, symbol, new(big.Int).Sub(fromBal, amount))
	m.setBalance(to, symbol, new(big.Int).Add(m.balance(to, symbol), amount))
	if m.onTransfer != nil {
		m.onTransfer(from, to, symbol, amount)
	}
	return nil
}

func (m *mockState) copyState() *mockState {
	clone := newMockState()
	for id, listing := range m.listings {
		clone.listings[id] = listing.Clone()
	}
	for symbol, bals := range m.balances {
		clone.balances[symbol] = make(map[[20]byte]*big.Int, len(bals))
		for addr, amount := range bals {
			clone.balances[symbol][addr] = new(big.Int).Set(amount)
		}
	}
	for asset, amount := range m.custody {
		clone.custody[asset] = new(big.Int).Set(amount)
	}
	for seller, ids := range m.sellerIndex {
		clone.sellerIndex[seller] = append([]uint64(nil), ids...)
	}
	for asset, id := range m.assetIndex {
		clone.assetIndex[asset] = id
	}
	clone.decimals = make(map[string]uint8, len(m.decimals))
	for symbol, d := range m.decimals {
		clone.decimals[symbol] = d
	}
	for asset, addr := range m.vaultAddrs {
		clone.vaultAddrs[asset] = addr
	}
	clone.seq = m.seq
	return clone
}

func (m *mockState) restore(src *mockState) {
	m.listings = src.listings
	m.balances = src.balances
	m.custody = src.custody
	m.sellerIndex = src.sellerIndex
	m.assetIndex = src.assetIndex
	m.decimals = src.decimals
	m.vaultAddrs = src.vaultAddrs
	m.seq = src.seq
}

func (m *mockState) Snapshot() int {
	m.snapshots = append(m.snapshots, m.copyState())
	id := m.nextSnap
	m.nextSnap++
	return id
}

func (m *mockState) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		panic("unknown snapshot")
	}
	m.restore(m.snapshots[id])
	m.snapshots = m.snapshots[:id]
	m.nextSnap = id
}

func (m *mockState) DiscardSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		panic("unknown snapshot")
	}
	m.snapshots = m.snapshots[:id]
	m.nextSnap = id
}

// custodyMatchesActiveRemaining checks the global accounting invariant: the
// custody pool of each asset equals the sum of remaining over its active
// listings.
func (m *mockState) custodyMatchesActiveRemaining() error {
	sums := make(map[string]*big.Int)
	for _, listing := range m.listings {
		if !listing.Active {
			continue
		}
		current, ok := sums[listing.Asset]
		if !ok {
			current = big.NewInt(0)
		}
		sums[listing.Asset] = new(big.Int).Add(current, listing.Remaining)
	}
	for asset, want := range sums {
		got, _ := m.CustodyBalance(asset)
		if got.Cmp(want) != 0 {
			return fmt.Errorf("custody %s: pool %s, active remaining %s", asset, got, want)
		}
	}
	for asset, got := range m.custody {
		if _, ok := sums[asset]; !ok && got.Sign() != 0 {
			return fmt.Errorf("custody %s: pool %s with no active listings", asset, got)
		}
	}
	return nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) lastEvent() *types.Event {
	if len(c.events) == 0 {
		return nil
	}
	wrapper, ok := c.events[len(c.events)-1].(marketEvent)
	if !ok {
		return nil
	}
	return wrapper.evt
}

const testNow = int64(1_700_000_000)

func newTestEngine(state *mockState) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetPaymentToken(testPaymentToken)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine
}

func lotTerms(price int64) PriceTerms {
	return PriceTerms{Kind: KindLot, Amount: big.NewInt(price)}
}

func unitTerms(anchor int64) PriceTerms {
	return PriceTerms{Kind: KindUnit, Amount: big.NewInt(anchor)}
}

func TestCreateValidations(t *testing.T) {
	seller := newTestAddress(0x01)

	cases := []struct {
		name     string
		asset    string
		quantity *big.Int
		terms    PriceTerms
		window   int64
		wantErr  error
	}{
		{"empty asset", "  ", big.NewInt(100), lotTerms(500), 3600, ErrInvalidAsset},
		{"payment token as asset", testPaymentToken, big.NewInt(100), lotTerms(500), 3600, ErrInvalidAsset},
		{"zero quantity", "GOOD", big.NewInt(0), lotTerms(500), 3600, ErrInvalidQuantity},
		{"negative quantity", "GOOD", big.NewInt(-5), lotTerms(500), 3600, ErrInvalidQuantity},
		{"nil price", "GOOD", big.NewInt(100), PriceTerms{Kind: KindLot}, 3600, ErrInvalidPrice},
		{"zero price", "GOOD", big.NewInt(100), lotTerms(0), 3600, ErrInvalidPrice},
		{"invalid kind", "GOOD", big.NewInt(100), PriceTerms{Amount: big.NewInt(5)}, 3600, ErrInvalidPrice},
		{"zero window", "GOOD", big.NewInt(100), lotTerms(500), 0, ErrInvalidWindow},
		{"window below floor", "GOOD", big.NewInt(100), lotTerms(500), 3599, ErrInvalidWindow},
		{"window above ceiling", "GOOD", big.NewInt(100), lotTerms(500), maxListingWindow + 1, ErrInvalidWindow},
		{"unit with window", "GOOD", big.NewInt(100), unitTerms(500), 3600, ErrInvalidWindow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := newMockState()
			state.setBalance(seller, "GOOD", big.NewInt(1_000))
			engine := newTestEngine(state)
			_, err := engine.Create(seller, tc.asset, tc.quantity, tc.terms, tc.window)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(state.listings) != 0 {
				t.Fatalf("rejected create left a listing behind")
			}
		})
	}
}

func TestCreateLotListing(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	state.setBalance(seller, "GOOD", big.NewInt(150))
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	listing, err := engine.Create(seller, "good", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if listing.ID != 1 {
		t.Fatalf("expected first id 1, got %d", listing.ID)
	}
	if listing.Asset != "GOOD" {
		t.Fatalf("expected asset normalized, got %q", listing.Asset)
	}
	if listing.ExpiresAt != testNow+3600 {
		t.Fatalf("unexpected expiry %d", listing.ExpiresAt)
	}
	if !listing.Active {
		t.Fatalf("new listing should be active")
	}
	if got := state.balance(seller, "GOOD"); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("seller balance after custody: %s", got)
	}
	if err := state.custodyMatchesActiveRemaining(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
	evt := emitter.lastEvent()
	if evt == nil || evt.Type != EventTypeListed {
		t.Fatalf("expected listed event, got %+v", evt)
	}
	if evt.Attributes["quantity"] != "100" || evt.Attributes["price"] != "500" {
		t.Fatalf("unexpected event attributes: %v", evt.Attributes)
	}
	ids, err := engine.ListingsBySeller(seller)
	if err != nil {
		t.Fatalf("listings by seller: %v", err)
	}
	if len(ids) != 1 || ids[0].ID != listing.ID {
		t.Fatalf("seller index mismatch: %+v", ids)
	}
}

func TestCreateCustodyFailureLeavesNoResidue(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	state.setBalance(seller, "GOOD", big.NewInt(10))
	engine := newTestEngine(state)

	_, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if !errors.Is(err, ErrCustodyTransfer) {
		t.Fatalf("expected custody transfer failure, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("custody failure should be transient")
	}
	if len(state.listings) != 0 || len(state.sellerIndex) != 0 {
		t.Fatalf("failed create left state behind")
	}
	if got := state.balance(seller, "GOOD"); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("seller balance mutated: %s", got)
	}

	// The reverted attempt must not burn a listing id.
	state.setBalance(seller, "GOOD", big.NewInt(100))
	listing, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if listing.ID != 1 {
		t.Fatalf("expected id 1 after reverted attempt, got %d", listing.ID)
	}
}

func TestUnitTopUpAndNotOwner(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	intruder := newTestAddress(0x02)
	state.setBalance(seller, "WHOUSE", big.NewInt(1_000))
	state.setBalance(intruder, "WHOUSE", big.NewInt(1_000))
	state.decimals["WHOUSE"] = 0
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	first, err := engine.Create(seller, "WHOUSE", big.NewInt(400), unitTerms(650_000), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := engine.Create(intruder, "WHOUSE", big.NewInt(100), unitTerms(700_000), 0); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for foreign top-up, got %v", err)
	}

	topped, err := engine.Create(seller, "WHOUSE", big.NewInt(200), unitTerms(700_000), 0)
	if err != nil {
		t.Fatalf("top-up: %v", err)
	}
	if topped.ID != first.ID {
		t.Fatalf("top-up must reuse listing id, got %d and %d", first.ID, topped.ID)
	}
	if topped.Quantity.Cmp(big.NewInt(600)) != 0 || topped.Remaining.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("top-up inventory wrong: total %s remaining %s", topped.Quantity, topped.Remaining)
	}
	if topped.PriceAnchor.Cmp(big.NewInt(700_000)) != 0 {
		t.Fatalf("top-up should move the anchor, got %s", topped.PriceAnchor)
	}
	evt := emitter.lastEvent()
	if evt == nil || evt.Type != EventTypeToppedUp {
		t.Fatalf("expected topped_up event, got %+v", evt)
	}
	if evt.Attributes["added"] != "200" {
		t.Fatalf("unexpected added attribute: %v", evt.Attributes)
	}
	if err := state.custodyMatchesActiveRemaining(); err != nil {
		t.Fatalf("invariant: %v", err)
	}

	byAsset, err := engine.UnitListingByAsset("whouse")
	if err != nil {
		t.Fatalf("unit listing by asset: %v", err)
	}
	if byAsset.ID != first.ID {
		t.Fatalf("asset index points at %d, want %d", byAsset.ID, first.ID)
	}
}

func TestUnitIndexRepointsAfterTerminalListing(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	other := newTestAddress(0x02)
	state.setBalance(seller, "WHOUSE", big.NewInt(500))
	state.setBalance(other, "WHOUSE", big.NewInt(500))
	state.decimals["WHOUSE"] = 0
	engine := newTestEngine(state)

	first, err := engine.Create(seller, "WHOUSE", big.NewInt(300), unitTerms(650_000), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Cancel(seller, first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	second, err := engine.Create(other, "WHOUSE", big.NewInt(200), unitTerms(900_000), 0)
	if err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("terminal listing must not be reused")
	}
	byAsset, err := engine.UnitListingByAsset("WHOUSE")
	if err != nil {
		t.Fatalf("unit listing by asset: %v", err)
	}
	if byAsset.ID != second.ID {
		t.Fatalf("asset index not repointed: got %d want %d", byAsset.ID, second.ID)
	}
}

func TestDecimalsDefaultWhenMetadataMissing(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	state.setBalance(seller, "RAW", big.NewInt(100))
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "RAW", big.NewInt(100), unitTerms(10), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if listing.AssetDecimals != DefaultAssetDecimals {
		t.Fatalf("expected default decimals %d, got %d", DefaultAssetDecimals, listing.AssetDecimals)
	}

	state.setBalance(seller, "FINE", big.NewInt(100))
	state.decimals["FINE"] = 6
	fine, err := engine.Create(seller, "FINE", big.NewInt(100), unitTerms(10), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if fine.AssetDecimals != 6 {
		t.Fatalf("expected registered decimals 6, got %d", fine.AssetDecimals)
	}
}

func TestScenarioLotPurchase(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(seller, "GOOD", big.NewInt(100))
	state.setBalance(buyer, testPaymentToken, big.NewInt(500))
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	receipt, err := engine.Buy(buyer, listing.ID, big.NewInt(100), big.NewInt(500))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if receipt.Filled.Cmp(big.NewInt(100)) != 0 || receipt.Payment.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("receipt wrong: filled %s payment %s", receipt.Filled, receipt.Payment)
	}
	if receipt.Remaining.Sign() != 0 {
		t.Fatalf("expected zero remaining, got %s", receipt.Remaining)
	}

	stored, err := engine.Get(listing.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Active {
		t.Fatalf("sold-out listing still active")
	}
	if got := state.balance(buyer, "GOOD"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("buyer asset balance: %s", got)
	}
	if got := state.balance(seller, testPaymentToken); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("seller payment balance: %s", got)
	}
	if got := state.balance(buyer, testPaymentToken); got.Sign() != 0 {
		t.Fatalf("buyer payment balance should be empty, got %s", got)
	}
	if err := state.custodyMatchesActiveRemaining(); err != nil {
		t.Fatalf("invariant: %v", err)
	}

	// Terminal state is monotonic.
	if _, err := engine.Buy(buyer, listing.ID, big.NewInt(100), big.NewInt(500)); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("expected not active on second buy, got %v", err)
	}
}

func TestScenarioExpiryAndReclaim(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	state.setBalance(seller, "GOOD", big.NewInt(100))
	state.setBalance(buyer, testPaymentToken, big.NewInt(500))
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Reclaim before the window closes is rejected.
	if err := engine.Reclaim(stranger, listing.ID); !errors.Is(err, ErrListingNotExpired) {
		t.Fatalf("expected not expired, got %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 3601 })

	if _, err := engine.Buy(buyer, listing.ID, big.NewInt(100), big.NewInt(500)); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("expected expired buy to fail not active, got %v", err)
	}

	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	if err := engine.Reclaim(stranger, listing.ID); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got := state.balance(seller, "GOOD"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("custody not returned to seller: %s", got)
	}
	if got := state.balance(stranger, "GOOD"); got.Sign() != 0 {
		t.Fatalf("reclaim caller must never receive funds, got %s", got)
	}
	evt := emitter.lastEvent()
	if evt == nil || evt.Type != EventTypeExpired {
		t.Fatalf("expected expired event, got %+v", evt)
	}
	if err := state.custodyMatchesActiveRemaining(); err != nil {
		t.Fatalf("invariant: %v", err)
	}

	// Idempotence: the second reclaim observes the cleared flag.
	if err := engine.Reclaim(stranger, listing.ID); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("expected not active on second reclaim, got %v", err)
	}
	if got := state.balance(seller, "GOOD"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("double refund detected: %s", got)
	}
}

func TestReclaimNeverAppliesToUnitListings(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	state.setBalance(seller, "WHOUSE", big.NewInt(100))
	state.decimals["WHOUSE"] = 0
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "WHOUSE", big.NewInt(100), unitTerms(650_000), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + 10_000_000 })
	if err := engine.Reclaim(seller, listing.ID); !errors.Is(err, ErrListingNotExpired) {
		t.Fatalf("unit listings must never expire, got %v", err)
	}
}

func TestScenarioUnitPricing(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	unitScale18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// 400 whole units custodied as base units.
	total := new(big.Int).Mul(big.NewInt(400), unitScale18)
	state.setBalance(seller, "WHOUSE", total)
	state.decimals["WHOUSE"] = 18
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "WHOUSE", total, unitTerms(650_000), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// floor(650000 * 1e18 * 10 / 1_000_000)
	expected := new(big.Int).Mul(big.NewInt(650_000), unitScale18)
	expected.Mul(expected, big.NewInt(10))
	expected.Div(expected, big.NewInt(1_000_000))

	state.setBalance(buyer, testPaymentToken, new(big.Int).Add(expected, big.NewInt(10)))

	offByOneLow := new(big.Int).Sub(expected, big.NewInt(1))
	if _, err := engine.Buy(buyer, listing.ID, big.NewInt(10), offByOneLow); !errors.Is(err, ErrPriceMismatch) {
		t.Fatalf("expected price mismatch for low payment, got %v", err)
	}
	offByOneHigh := new(big.Int).Add(expected, big.NewInt(1))
	if _, err := engine.Buy(buyer, listing.ID, big.NewInt(10), offByOneHigh); !errors.Is(err, ErrPriceMismatch) {
		t.Fatalf("expected price mismatch for high payment, got %v", err)
	}

	receipt, err := engine.Buy(buyer, listing.ID, big.NewInt(10), expected)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	wantFill := new(big.Int).Mul(big.NewInt(10), unitScale18)
	if receipt.Filled.Cmp(wantFill) != 0 {
		t.Fatalf("filled %s, want %s", receipt.Filled, wantFill)
	}
	wantRemaining := new(big.Int).Sub(total, wantFill)
	if receipt.Remaining.Cmp(wantRemaining) != 0 {
		t.Fatalf("remaining %s, want %s", receipt.Remaining, wantRemaining)
	}
	stored, err := engine.Get(listing.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Active {
		t.Fatalf("partially filled listing must stay active")
	}
	if got := state.balance(seller, testPaymentToken); got.Cmp(expected) != 0 {
		t.Fatalf("seller payment %s, want %s", got, expected)
	}
	if err := state.custodyMatchesActiveRemaining(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestBuyQuantityValidation(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(seller, "WHOUSE", big.NewInt(1_000))
	state.setBalance(seller, "GOOD", big.NewInt(100))
	state.setBalance(buyer, testPaymentToken, big.NewInt(1_000_000))
	state.decimals["WHOUSE"] = 0
	state.decimals["GOOD"] = 0
	engine := newTestEngine(state)

	unit, err := engine.Create(seller, "WHOUSE", big.NewInt(50), unitTerms(1_000_000), 0)
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	lot, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}

	if _, err := engine.Buy(buyer, unit.ID, big.NewInt(0), big.NewInt(0)); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("zero quantity: %v", err)
	}
	if _, err := engine.Buy(buyer, unit.ID, big.NewInt(101), big.NewInt(101_000_000)); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("quantity above policy cap: %v", err)
	}
	if _, err := engine.Buy(buyer, unit.ID, big.NewInt(60), big.NewInt(60_000_000)); !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("quantity above remaining: %v", err)
	}
	if _, err := engine.Buy(buyer, lot.ID, big.NewInt(40), big.NewInt(500)); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("partial lot buy: %v", err)
	}
	if _, err := engine.Buy(buyer, lot.ID, big.NewInt(100), big.NewInt(499)); !errors.Is(err, ErrPriceMismatch) {
		t.Fatalf("wrong lot payment: %v", err)
	}
	if _, err := engine.Buy(buyer, 999, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("unknown listing: %v", err)
	}
}

func TestScenarioSellerCancel(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	state.setBalance(seller, "GOOD", big.NewInt(100))
	state.setBalance(buyer, testPaymentToken, big.NewInt(500))
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.Cancel(stranger, listing.ID); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}

	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	if err := engine.Cancel(seller, listing.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := state.balance(seller, "GOOD"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("custody not refunded: %s", got)
	}
	evt := emitter.lastEvent()
	if evt == nil || evt.Type != EventTypeCancelled {
		t.Fatalf("expected cancelled event, got %+v", evt)
	}
	if evt.Attributes["refunded"] != "100" {
		t.Fatalf("unexpected refunded attribute: %v", evt.Attributes)
	}

	if _, err := engine.Buy(buyer, listing.ID, big.NewInt(100), big.NewInt(500)); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("buy after cancel: %v", err)
	}
	if err := engine.Cancel(seller, listing.ID); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("second cancel: %v", err)
	}
	if err := state.custodyMatchesActiveRemaining(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestPaymentForwardingFailureRevertsEverything(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(seller, "GOOD", big.NewInt(100))
	state.setBalance(buyer, testPaymentToken, big.NewInt(500))
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The seller refuses the payment leg; the whole purchase must unwind.
	state.rejectTo[seller] = true
	_, err = engine.Buy(buyer, listing.ID, big.NewInt(100), big.NewInt(500))
	if !errors.Is(err, ErrPaymentForwarding) {
		t.Fatalf("expected payment forwarding failure, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("forwarding failure should be transient")
	}

	stored, err := engine.Get(listing.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Active || stored.Remaining.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("listing not restored: active=%v remaining=%s", stored.Active, stored.Remaining)
	}
	if got := state.balance(buyer, testPaymentToken); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("buyer payment not restored: %s", got)
	}
	if got := state.balance(buyer, "GOOD"); got.Sign() != 0 {
		t.Fatalf("buyer kept asset after revert: %s", got)
	}
	if err := state.custodyMatchesActiveRemaining(); err != nil {
		t.Fatalf("invariant: %v", err)
	}

	// Once the seller accepts payments again the same call succeeds.
	state.rejectTo[seller] = false
	if _, err := engine.Buy(buyer, listing.ID, big.NewInt(100), big.NewInt(500)); err != nil {
		t.Fatalf("retry buy: %v", err)
	}
}

func TestReentrantBuyIsRejected(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	unitScale18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	total := new(big.Int).Mul(big.NewInt(100), unitScale18)
	state.setBalance(seller, "WHOUSE", total)
	state.decimals["WHOUSE"] = 18
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "WHOUSE", total, unitTerms(1_000_000), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	price10, err := ExpectedPayment(listing, big.NewInt(10))
	if err != nil {
		t.Fatalf("expected payment: %v", err)
	}
	state.setBalance(buyer, testPaymentToken, new(big.Int).Mul(price10, big.NewInt(3)))

	// A hostile buyer re-invokes Buy from inside its own asset receipt.
	var nested error
	var nestedCalls int
	state.onTransfer = func(from, to [20]byte, symbol string, amount *big.Int) {
		if symbol == "WHOUSE" && to == buyer && nestedCalls == 0 {
			nestedCalls++
			_, nested = engine.Buy(buyer, listing.ID, big.NewInt(10), price10)
		}
	}

	receipt, err := engine.Buy(buyer, listing.ID, big.NewInt(10), price10)
	if err != nil {
		t.Fatalf("outer buy: %v", err)
	}
	if nestedCalls != 1 {
		t.Fatalf("hostile callback never ran")
	}
	if !errors.Is(nested, ErrReentrantCall) {
		t.Fatalf("nested buy should hit the latch, got %v", nested)
	}

	// Exactly one fill happened.
	wantRemaining := new(big.Int).Sub(total, new(big.Int).Mul(big.NewInt(10), unitScale18))
	if receipt.Remaining.Cmp(wantRemaining) != 0 {
		t.Fatalf("remaining %s, want %s", receipt.Remaining, wantRemaining)
	}
	if got := state.balance(buyer, "WHOUSE"); got.Cmp(new(big.Int).Mul(big.NewInt(10), unitScale18)) != 0 {
		t.Fatalf("buyer holds %s, want exactly one fill", got)
	}
	if err := state.custodyMatchesActiveRemaining(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestReentrantCancelDuringBuyIsRejected(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(seller, "GOOD", big.NewInt(100))
	state.setBalance(buyer, testPaymentToken, big.NewInt(500))
	engine := newTestEngine(state)

	listing, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The seller tries to cancel from inside the payment receipt.
	var nested error
	state.onTransfer = func(from, to [20]byte, symbol string, amount *big.Int) {
		if to == seller && symbol == testPaymentToken {
			nested = engine.Cancel(seller, listing.ID)
		}
	}
	if _, err := engine.Buy(buyer, listing.ID, big.NewInt(100), big.NewInt(500)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !errors.Is(nested, ErrReentrantCall) {
		t.Fatalf("nested cancel should hit the latch, got %v", nested)
	}
}

func TestInventoryReserveRequiresLatch(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	listing := &Listing{
		ID:          7,
		Kind:        KindUnit,
		Asset:       "GOOD",
		Quantity:    big.NewInt(10),
		Remaining:   big.NewInt(10),
		PriceAnchor: big.NewInt(1),
		Active:      true,
	}
	if _, err := engine.reserve(listing, big.NewInt(1)); !errors.Is(err, errInventoryUnlatched) {
		t.Fatalf("reserve outside settlement must fail, got %v", err)
	}
	if listing.Remaining.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unlatched reserve mutated inventory")
	}
}

func TestPauseGuardBlocksMutations(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	state.setBalance(seller, "GOOD", big.NewInt(100))
	engine := newTestEngine(state)
	engine.SetPauses(common.StaticPauses{ModuleName: true})

	if _, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected pause guard, got %v", err)
	}
	if _, err := engine.Buy(seller, 1, big.NewInt(1), big.NewInt(1)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected pause guard on buy, got %v", err)
	}
	if err := engine.Cancel(seller, 1); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected pause guard on cancel, got %v", err)
	}
	if err := engine.Reclaim(seller, 1); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected pause guard on reclaim, got %v", err)
	}
}

func TestListingsBySellerKeepsFullHistory(t *testing.T) {
	state := newMockState()
	seller := newTestAddress(0x01)
	state.setBalance(seller, "GOOD", big.NewInt(300))
	state.setBalance(seller, "WHOUSE", big.NewInt(300))
	state.decimals["WHOUSE"] = 0
	engine := newTestEngine(state)

	lot, err := engine.Create(seller, "GOOD", big.NewInt(100), lotTerms(500), 3600)
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}
	unit, err := engine.Create(seller, "WHOUSE", big.NewInt(100), unitTerms(10), 0)
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	if err := engine.Cancel(seller, lot.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	listings, err := engine.ListingsBySeller(seller)
	if err != nil {
		t.Fatalf("listings by seller: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("expected both listings in history, got %d", len(listings))
	}
	if listings[0].ID != lot.ID || listings[1].ID != unit.ID {
		t.Fatalf("history out of creation order: %d, %d", listings[0].ID, listings[1].ID)
	}
	if listings[0].Active {
		t.Fatalf("terminal listing should read inactive")
	}
}
