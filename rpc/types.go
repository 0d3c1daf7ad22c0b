package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"marketd/core"
	"marketd/crypto"
	"marketd/native/market"
)

// ListingResult mirrors a listing for RPC consumers. Amounts are decimal
// strings so precision survives JSON round-trips.
type ListingResult struct {
	ID            uint64 `json:"id"`
	Kind          string `json:"kind"`
	Seller        string `json:"seller"`
	Asset         string `json:"asset"`
	AssetDecimals uint8  `json:"assetDecimals"`
	Quantity      string `json:"quantity"`
	Remaining     string `json:"remaining"`
	Price         string `json:"price"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt,omitempty"`
	Active        bool   `json:"active"`
}

// ReceiptResult summarises a settled purchase for RPC consumers.
type ReceiptResult struct {
	ListingID uint64 `json:"listingId"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Asset     string `json:"asset"`
	Filled    string `json:"filled"`
	Payment   string `json:"payment"`
	Remaining string `json:"remaining"`
	SettledAt int64  `json:"settledAt"`
}

// EventResult carries one feed entry together with the cursor that resumes
// the stream immediately after it.
type EventResult struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventsResult is the page shape returned by cursor polls.
type EventsResult struct {
	Events     []EventResult `json:"events"`
	NextCursor string        `json:"nextCursor"`
}

// BalanceResult reports one account's balance for a single token.
type BalanceResult struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

// TokenMetadataResult mirrors the registry record for a token.
type TokenMetadataResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// CustodyResult reports the escrow pool balance held for an asset.
type CustodyResult struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

func listingResultFrom(l *market.Listing) ListingResult {
	if l == nil {
		return ListingResult{}
	}
	result := ListingResult{
		ID:            l.ID,
		Kind:          l.Kind.String(),
		Seller:        formatAddress(l.Seller),
		Asset:         l.Asset,
		AssetDecimals: l.AssetDecimals,
		Quantity:      bigString(l.Quantity),
		Remaining:     bigString(l.Remaining),
		Price:         bigString(l.PriceAnchor),
		CreatedAt:     l.CreatedAt,
		Active:        l.Active,
	}
	if l.Kind == market.KindLot {
		result.ExpiresAt = l.ExpiresAt
	}
	return result
}

func receiptResultFrom(r *market.Receipt) ReceiptResult {
	if r == nil {
		return ReceiptResult{}
	}
	return ReceiptResult{
		ListingID: r.ListingID,
		Buyer:     formatAddress(r.Buyer),
		Seller:    formatAddress(r.Seller),
		Asset:     r.Asset,
		Filled:    bigString(r.Filled),
		Payment:   bigString(r.Payment),
		Remaining: bigString(r.Remaining),
		SettledAt: r.SettledAt,
	}
}

func eventResultFrom(update core.MarketEventUpdate) EventResult {
	result := EventResult{
		Sequence: update.Sequence,
		Cursor:   update.Cursor,
	}
	if update.Event != nil {
		result.Type = update.Event.Type
		result.Attributes = update.Event.Attributes
	}
	return result
}

func formatAddress(addr [20]byte) string {
	return crypto.MustNewAddress(addr).String()
}

func parseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Array(), nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
