package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"marketd/core/types"
)

const (
	EventTypeListed    = "market.listing.listed"
	EventTypeToppedUp  = "market.listing.topped_up"
	EventTypePurchased = "market.listing.purchased"
	EventTypeCancelled = "market.listing.cancelled"
	EventTypeExpired   = "market.listing.expired"
)

// NewListedEvent returns the canonical event payload for a newly created
// listing.
func NewListedEvent(l *Listing) *types.Event { return newListingEvent(EventTypeListed, l) }

// NewToppedUpEvent returns the payload emitted when a seller adds inventory
// to an existing divisible listing.
func NewToppedUpEvent(l *Listing, added *big.Int) *types.Event {
	evt := newListingEvent(EventTypeToppedUp, l)
	if added != nil {
		evt.Attributes["added"] = added.String()
	}
	return evt
}

// NewPurchasedEvent returns the payload emitted after a settled purchase.
func NewPurchasedEvent(r *Receipt) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: EventTypePurchased, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(r.ListingID, 10)
	attrs["buyer"] = hex.EncodeToString(r.Buyer[:])
	attrs["seller"] = hex.EncodeToString(r.Seller[:])
	attrs["asset"] = r.Asset
	attrs["filled"] = bigIntString(r.Filled)
	attrs["payment"] = bigIntString(r.Payment)
	attrs["remaining"] = bigIntString(r.Remaining)
	attrs["settledAt"] = strconv.FormatInt(r.SettledAt, 10)
	return &types.Event{Type: EventTypePurchased, Attributes: attrs}
}

// NewCancelledEvent returns the payload emitted when the seller cancels a
// listing and reclaims its remaining inventory.
func NewCancelledEvent(l *Listing, refunded *big.Int) *types.Event {
	evt := newListingEvent(EventTypeCancelled, l)
	if refunded != nil {
		evt.Attributes["refunded"] = refunded.String()
	}
	return evt
}

// NewExpiredEvent returns the payload emitted when an expired listing's
// custody is returned to the seller.
func NewExpiredEvent(l *Listing, caller [20]byte, refunded *big.Int) *types.Event {
	evt := newListingEvent(EventTypeExpired, l)
	evt.Attributes["caller"] = hex.EncodeToString(caller[:])
	if refunded != nil {
		evt.Attributes["refunded"] = refunded.String()
	}
	return evt
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(l.ID, 10)
	attrs["kind"] = l.Kind.String()
	attrs["seller"] = hex.EncodeToString(l.Seller[:])
	attrs["asset"] = l.Asset
	attrs["quantity"] = bigIntString(l.Quantity)
	attrs["remaining"] = bigIntString(l.Remaining)
	attrs["price"] = bigIntString(l.PriceAnchor)
	attrs["createdAt"] = strconv.FormatInt(l.CreatedAt, 10)
	if l.Kind == KindLot {
		attrs["expiresAt"] = strconv.FormatInt(l.ExpiresAt, 10)
	}
	attrs["active"] = strconv.FormatBool(l.Active)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
