package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"marketd/core"
	"marketd/native/common"
	"marketd/native/market"
)

const (
	codeMarketInvalidParams = -32041
	codeMarketNotFound      = -32042
	codeMarketForbidden     = -32043
	codeMarketConflict      = -32044
	codeMarketInternal      = -32045
	codeMarketPaused        = -32046
)

const maxEventPageSize = 500

type marketCreateParams struct {
	Seller   string `json:"seller"`
	Asset    string `json:"asset"`
	Kind     string `json:"kind"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	Window   int64  `json:"window,omitempty"`
}

type marketBuyParams struct {
	Buyer    string `json:"buyer"`
	ID       uint64 `json:"id"`
	Quantity string `json:"quantity"`
	Payment  string `json:"payment"`
}

type marketActorParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type marketIDParams struct {
	ID uint64 `json:"id"`
}

type marketSellerParams struct {
	Seller string `json:"seller"`
}

type marketAssetParams struct {
	Asset string `json:"asset"`
}

type marketEventsParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) handleMarketCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketCreateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	seller, err := parseAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	kind, err := parseListingKind(params.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	quantity, err := parsePositiveBigInt(params.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	terms := market.PriceTerms{Kind: kind, Amount: price}
	listing, err := s.node.MarketCreate(seller, params.Asset, quantity, terms, params.Window)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingResultFrom(listing))
}

func (s *Server) handleMarketBuy(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketBuyParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	quantity, err := parsePositiveBigInt(params.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	payment, err := parsePositiveBigInt(params.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	receipt, err := s.node.MarketBuy(buyer, params.ID, quantity, payment)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receiptResultFrom(receipt))
}

func (s *Server) handleMarketCancel(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.MarketCancel(caller, params.ID); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleMarketReclaim(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.MarketReclaim(caller, params.ID); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleMarketGetListing(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	listing, err := s.node.MarketGet(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingResultFrom(listing))
}

func (s *Server) handleMarketListingsBySeller(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketSellerParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	seller, err := parseAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	listings, err := s.node.MarketListingsBySeller(seller)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	results := make([]ListingResult, len(listings))
	for i, listing := range listings {
		results[i] = listingResultFrom(listing)
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleMarketListingByAsset(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketAssetParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	listing, err := s.node.MarketUnitListingByAsset(params.Asset)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingResultFrom(listing))
}

func (s *Server) handleMarketCustodyBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketAssetParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	balance, err := s.node.MarketCustodyBalance(params.Asset)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	asset, err := market.NormalizeAsset(params.Asset)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, CustodyResult{Asset: asset, Balance: bigString(balance)})
}

func (s *Server) handleMarketEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketEventsParams
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	limit := params.Limit
	if limit <= 0 || limit > maxEventPageSize {
		limit = maxEventPageSize
	}
	updates, err := s.node.MarketEventsSince(params.Cursor, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	result := EventsResult{Events: make([]EventResult, len(updates)), NextCursor: strings.TrimSpace(params.Cursor)}
	for i, update := range updates {
		result.Events[i] = eventResultFrom(update)
		result.NextCursor = update.Cursor
	}
	writeResult(w, req.ID, result)
}

// decodeSingleParam enforces the single-parameter-object convention shared by
// every market method and decodes it into dst.
func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseListingKind(value string) (market.ListingKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "lot":
		return market.KindLot, nil
	case "unit":
		return market.KindUnit, nil
	default:
		return 0, fmt.Errorf("kind must be lot or unit")
	}
}

func writeMarketError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeMarketInternal
	message := "internal_error"
	switch {
	case errors.Is(err, market.ErrListingNotFound):
		status = http.StatusNotFound
		code = codeMarketNotFound
		message = "not_found"
	case errors.Is(err, market.ErrNotSeller), errors.Is(err, market.ErrNotOwner):
		status = http.StatusForbidden
		code = codeMarketForbidden
		message = "forbidden"
	case errors.Is(err, market.ErrInvalidAsset),
		errors.Is(err, market.ErrInvalidQuantity),
		errors.Is(err, market.ErrInvalidPrice),
		errors.Is(err, market.ErrInvalidWindow),
		errors.Is(err, market.ErrPriceMismatch):
		status = http.StatusBadRequest
		code = codeMarketInvalidParams
		message = "invalid_params"
	case errors.Is(err, market.ErrListingNotActive),
		errors.Is(err, market.ErrListingNotExpired),
		errors.Is(err, market.ErrInsufficientInventory),
		errors.Is(err, market.ErrReentrantCall),
		market.IsTransient(err):
		status = http.StatusConflict
		code = codeMarketConflict
		message = "conflict"
	case errors.Is(err, common.ErrModulePaused):
		status = http.StatusServiceUnavailable
		code = codeMarketPaused
		message = "paused"
	case errors.Is(err, common.ErrQuotaRequestsExceeded),
		errors.Is(err, common.ErrQuotaVolumeExceeded),
		errors.Is(err, common.ErrQuotaCounterOverflow):
		status = http.StatusTooManyRequests
		code = codeRateLimited
		message = "quota exceeded"
	case errors.Is(err, core.ErrTokenUnknown):
		status = http.StatusNotFound
		code = codeMarketNotFound
		message = "not_found"
	}
	writeError(w, status, id, code, message, err.Error())
}
