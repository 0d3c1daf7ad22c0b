package state

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"marketd/native/market"
)

var (
	listingSeqKey     = []byte("market/listing-seq")
	listingPrefix     = []byte("market/listing/")
	sellerIndexPrefix = []byte("market/seller/")
	assetIndexPrefix  = []byte("market/asset/")
	custodyPrefix     = []byte("market/custody/")
	vaultSeedPrefix   = []byte("market/vault/")
)

func listingKey(id uint64) []byte {
	buf := make([]byte, len(listingPrefix)+8)
	copy(buf, listingPrefix)
	binary.BigEndian.PutUint64(buf[len(listingPrefix):], id)
	return buf
}

func sellerIndexKey(seller [20]byte) []byte {
	buf := make([]byte, len(sellerIndexPrefix)+len(seller))
	copy(buf, sellerIndexPrefix)
	copy(buf[len(sellerIndexPrefix):], seller[:])
	return buf
}

func assetIndexKey(asset string) []byte {
	buf := make([]byte, len(assetIndexPrefix)+len(asset))
	copy(buf, assetIndexPrefix)
	copy(buf[len(assetIndexPrefix):], asset)
	return buf
}

func custodyKey(asset string) []byte {
	buf := make([]byte, len(custodyPrefix)+len(asset))
	copy(buf, custodyPrefix)
	copy(buf[len(custodyPrefix):], asset)
	return buf
}

// storedListing mirrors market.Listing with RLP-encodable field types. The
// codec has no signed integers, so timestamps round-trip through uint64.
type storedListing struct {
	ID            uint64
	Kind          uint8
	Seller        [20]byte
	Asset         string
	AssetDecimals uint8
	Quantity      *big.Int
	Remaining     *big.Int
	PriceAnchor   *big.Int
	CreatedAt     uint64
	ExpiresAt     uint64
	Active        bool
}

func toStoredListing(l *market.Listing) *storedListing {
	stored := &storedListing{
		ID:            l.ID,
		Kind:          uint8(l.Kind),
		Seller:        l.Seller,
		Asset:         l.Asset,
		AssetDecimals: l.AssetDecimals,
		Quantity:      l.Quantity,
		Remaining:     l.Remaining,
		PriceAnchor:   l.PriceAnchor,
		Active:        l.Active,
	}
	if l.CreatedAt > 0 {
		stored.CreatedAt = uint64(l.CreatedAt)
	}
	if l.ExpiresAt > 0 {
		stored.ExpiresAt = uint64(l.ExpiresAt)
	}
	return stored
}

func fromStoredListing(stored *storedListing) (*market.Listing, error) {
	if stored == nil {
		return nil, fmt.Errorf("state: nil stored listing")
	}
	createdAt, err := uint64ToInt64(stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("state: listing created at overflow: %w", err)
	}
	expiresAt, err := uint64ToInt64(stored.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("state: listing expires at overflow: %w", err)
	}
	listing := &market.Listing{
		ID:            stored.ID,
		Kind:          market.ListingKind(stored.Kind),
		Seller:        stored.Seller,
		Asset:         stored.Asset,
		AssetDecimals: stored.AssetDecimals,
		Quantity:      stored.Quantity,
		Remaining:     stored.Remaining,
		PriceAnchor:   stored.PriceAnchor,
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
		Active:        stored.Active,
	}
	return listing, nil
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}

// ListingPut validates and persists the listing record.
func (m *Manager) ListingPut(l *market.Listing) error {
	sanitized, err := market.SanitizeListing(l)
	if err != nil {
		return err
	}
	if sanitized.ID == 0 {
		return fmt.Errorf("state: listing id not assigned")
	}
	return m.KVPut(listingKey(sanitized.ID), toStoredListing(sanitized))
}

// ListingGet loads a listing by id. The returned record is a fresh decode the
// caller may mutate freely.
func (m *Manager) ListingGet(id uint64) (*market.Listing, bool) {
	var stored storedListing
	ok, err := m.KVGet(listingKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	listing, err := fromStoredListing(&stored)
	if err != nil {
		return nil, false
	}
	return listing, true
}

// NextListingID advances the monotonic listing sequence and returns the newly
// reserved identifier. The first id issued is 1.
func (m *Manager) NextListingID() (uint64, error) {
	var current uint64
	if _, err := m.KVGet(listingSeqKey, &current); err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.KVPut(listingSeqKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// SellerIndexAppend records a listing id in the seller's append-only history.
func (m *Manager) SellerIndexAppend(seller [20]byte, id uint64) error {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, id)
	return m.KVAppend(sellerIndexKey(seller), encoded)
}

// SellerListings returns every listing id the seller has created, in creation
// order.
func (m *Manager) SellerListings(seller [20]byte) ([]uint64, error) {
	var raw [][]byte
	if err := m.KVGetList(sellerIndexKey(seller), &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			return nil, fmt.Errorf("state: malformed seller index entry")
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}

// UnitListingID resolves the asset's latest divisible listing id.
func (m *Manager) UnitListingID(asset string) (uint64, bool, error) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return 0, false, fmt.Errorf("state: asset symbol must not be empty")
	}
	var id uint64
	ok, err := m.KVGet(assetIndexKey(normalized), &id)
	if err != nil {
		return 0, false, err
	}
	return id, ok, nil
}

// SetUnitListingID points the asset's divisible-listing index at id.
func (m *Manager) SetUnitListingID(asset string, id uint64) error {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return fmt.Errorf("state: asset symbol must not be empty")
	}
	return m.KVPut(assetIndexKey(normalized), id)
}

// CustodyBalance returns the engine's custody pool for the asset.
func (m *Manager) CustodyBalance(asset string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return nil, fmt.Errorf("state: asset symbol must not be empty")
	}
	balance := new(big.Int)
	ok, err := m.KVGet(custodyKey(normalized), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// CustodyCredit grows the asset's custody pool.
func (m *Manager) CustodyCredit(asset string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: custody credit must be non-negative")
	}
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return fmt.Errorf("state: asset symbol must not be empty")
	}
	balance, err := m.CustodyBalance(normalized)
	if err != nil {
		return err
	}
	return m.KVPut(custodyKey(normalized), new(big.Int).Add(balance, amt))
}

// CustodyDebit shrinks the asset's custody pool, rejecting overdrafts.
func (m *Manager) CustodyDebit(asset string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: custody debit must be non-negative")
	}
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return fmt.Errorf("state: asset symbol must not be empty")
	}
	balance, err := m.CustodyBalance(normalized)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: custody balance for %s below debit", normalized)
	}
	return m.KVPut(custodyKey(normalized), new(big.Int).Sub(balance, amt))
}

// MarketVaultAddress derives the module-owned custody address for an asset:
// the trailing 20 bytes of keccak256("market/vault/" + SYMBOL). No key exists
// for it, so nothing outside the engine can move vault funds.
func (m *Manager) MarketVaultAddress(asset string) ([20]byte, error) {
	var addr [20]byte
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return addr, fmt.Errorf("state: asset symbol must not be empty")
	}
	seed := make([]byte, len(vaultSeedPrefix)+len(normalized))
	copy(seed, vaultSeedPrefix)
	copy(seed[len(vaultSeedPrefix):], normalized)
	hash := ethcrypto.Keccak256(seed)
	copy(addr[:], hash[len(hash)-20:])
	return addr, nil
}

// TokenDecimals reports the registered precision of a token. The boolean is
// false when the registry has no metadata for the symbol; callers own the
// default policy.
func (m *Manager) TokenDecimals(symbol string) (uint8, bool, error) {
	meta, err := m.Token(symbol)
	if err != nil {
		return 0, false, err
	}
	if meta == nil {
		return 0, false, nil
	}
	return meta.Decimals, true, nil
}

// Transfer moves token value between two principals. It satisfies the market
// engine's ledger contract.
func (m *Manager) Transfer(from, to [20]byte, symbol string, amount *big.Int) error {
	return m.transferBalances(from[:], to[:], symbol, amount)
}
