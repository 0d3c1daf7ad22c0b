package market

import (
	"fmt"
	"math/big"
	"strings"
)

// ListingKind selects the sale shape of a listing.
type ListingKind uint8

const (
	// KindLot is an all-or-nothing sale: one buyer takes the full custodied
	// quantity for a flat price before the listing expires.
	KindLot ListingKind = iota + 1
	// KindUnit is a divisible sale: buyers take whole units priced linearly
	// against the listing's valuation anchor. Unit listings never expire.
	KindUnit
)

// Valid reports whether the kind value is within the supported range.
func (k ListingKind) Valid() bool {
	switch k {
	case KindLot, KindUnit:
		return true
	default:
		return false
	}
}

func (k ListingKind) String() string {
	switch k {
	case KindLot:
		return "lot"
	case KindUnit:
		return "unit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Listing records a seller's custodied inventory and its pricing terms. The
// engine assigns identifiers from a monotonic sequence; AssetDecimals and
// PriceAnchor are captured at creation and never re-read from the token
// registry during settlement.
type Listing struct {
	ID            uint64
	Kind          ListingKind
	Seller        [20]byte
	Asset         string
	AssetDecimals uint8
	Quantity      *big.Int
	Remaining     *big.Int
	PriceAnchor   *big.Int
	CreatedAt     int64
	ExpiresAt     int64
	Active        bool
}

// Clone returns a deep copy so callers can mutate the copy without touching
// the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Quantity = cloneBigInt(l.Quantity)
	clone.Remaining = cloneBigInt(l.Remaining)
	clone.PriceAnchor = cloneBigInt(l.PriceAnchor)
	return &clone
}

// Expired reports whether the listing's sale window has closed at the given
// timestamp. Unit listings carry no window and never expire.
func (l *Listing) Expired(now int64) bool {
	if l == nil || l.Kind != KindLot {
		return false
	}
	return now > l.ExpiresAt
}

// PriceTerms carries the caller-declared pricing of a new listing. For lot
// listings Amount is the flat total price; for unit listings it is the
// valuation anchor fed into linear pricing.
type PriceTerms struct {
	Kind   ListingKind
	Amount *big.Int
}

// Receipt summarises a settled purchase.
type Receipt struct {
	ListingID uint64
	Buyer     [20]byte
	Seller    [20]byte
	Asset     string
	Filled    *big.Int
	Payment   *big.Int
	Remaining *big.Int
	SettledAt int64
}

// NormalizeAsset canonicalises a token symbol to its uppercase form.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", ErrInvalidAsset
	}
	return trimmed, nil
}

// SanitizeListing validates and normalises the supplied listing, returning a
// cloned instance with canonical asset casing and non-nil amount fields. The
// original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	clone := l.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if !clone.Kind.Valid() {
		return nil, fmt.Errorf("market: invalid listing kind: %d", clone.Kind)
	}
	if clone.Quantity.Sign() < 0 || clone.Remaining.Sign() < 0 {
		return nil, fmt.Errorf("market: listing amounts must be non-negative")
	}
	if clone.Remaining.Cmp(clone.Quantity) > 0 {
		return nil, fmt.Errorf("market: remaining exceeds custodied quantity")
	}
	if clone.PriceAnchor.Sign() <= 0 {
		return nil, fmt.Errorf("market: listing price must be positive")
	}
	if clone.Active && clone.Remaining.Sign() == 0 {
		return nil, fmt.Errorf("market: active listing with empty inventory")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
