package market

import "errors"

// Sentinel errors returned by the market engine. Validation and authorization
// failures are terminal for the submitted call; only the collaborator-failure
// wrappers below may clear on retry.
var (
	ErrInvalidAsset          = errors.New("market: invalid asset")
	ErrInvalidQuantity       = errors.New("market: invalid quantity")
	ErrInvalidPrice          = errors.New("market: invalid price")
	ErrInvalidWindow         = errors.New("market: invalid listing window")
	ErrNotOwner              = errors.New("market: listing owned by another seller")
	ErrNotSeller             = errors.New("market: caller is not the seller")
	ErrListingNotFound       = errors.New("market: listing not found")
	ErrListingNotActive      = errors.New("market: listing not active")
	ErrListingNotExpired     = errors.New("market: listing not expired")
	ErrPriceMismatch         = errors.New("market: payment does not match price")
	ErrInsufficientInventory = errors.New("market: insufficient inventory")
	ErrReentrantCall         = errors.New("market: reentrant call")
)

// Collaborator-failure wrappers. Errors raised by the token ledger while
// moving value are wrapped in one of these so callers can distinguish a
// rejected call from a settlement that could not complete.
var (
	ErrCustodyTransfer    = errors.New("market: custody transfer failed")
	ErrPaymentForwarding  = errors.New("market: payment forwarding failed")
	errInventoryUnlatched = errors.New("market: inventory reserve outside settlement")
)

// IsTransient reports whether the error belongs to the collaborator-failure
// class, meaning the same call may succeed once the ledger condition clears.
// Everything else is terminal for the arguments as given.
func IsTransient(err error) bool {
	return errors.Is(err, ErrCustodyTransfer) || errors.Is(err, ErrPaymentForwarding)
}
