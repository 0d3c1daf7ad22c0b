package market

import "math/big"

const (
	// pricingDenominator converts a micro-quoted valuation anchor into
	// payment base units during linear pricing.
	pricingDenominator = 1_000_000
	// maxUnitsPerPurchase bounds a single divisible purchase, whole units.
	maxUnitsPerPurchase = 100
	// minListingWindow and maxListingWindow bound the sale window of an
	// all-or-nothing listing, in seconds.
	minListingWindow = int64(3_600)
	maxListingWindow = int64(30 * 24 * 3_600)
)

// DefaultAssetDecimals applies when the token registry carries no metadata
// for a listed asset. The decimals query is fallible by contract; the default
// keeps listing creation deterministic when metadata is absent.
const DefaultAssetDecimals uint8 = 18

// unitScale returns 10^decimals, the number of base units in a whole unit.
func unitScale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// baseUnits converts a whole-unit quantity into asset base units.
func baseUnits(qty *big.Int, decimals uint8) *big.Int {
	return new(big.Int).Mul(qty, unitScale(decimals))
}

// validUnitQuantity reports whether qty is a purchasable whole-unit count.
func validUnitQuantity(qty *big.Int) bool {
	return qty != nil && qty.Sign() > 0 && qty.Cmp(big.NewInt(maxUnitsPerPurchase)) <= 0
}

// ExpectedPayment returns the exact payment a buyer must present for the
// given quantity. All-or-nothing listings price at the flat anchor regardless
// of quantity; divisible listings price linearly as
// floor(anchor * 10^decimals * qty / 1_000_000) with qty in whole units.
func ExpectedPayment(l *Listing, qty *big.Int) (*big.Int, error) {
	if l == nil {
		return nil, ErrListingNotFound
	}
	switch l.Kind {
	case KindLot:
		return cloneBigInt(l.PriceAnchor), nil
	case KindUnit:
		if !validUnitQuantity(qty) {
			return nil, ErrInvalidQuantity
		}
		total := new(big.Int).Mul(cloneBigInt(l.PriceAnchor), unitScale(l.AssetDecimals))
		total.Mul(total, qty)
		return total.Div(total, big.NewInt(pricingDenominator)), nil
	default:
		return nil, ErrListingNotFound
	}
}

func validListingWindow(window int64) bool {
	return window >= minListingWindow && window <= maxListingWindow
}
