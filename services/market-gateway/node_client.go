package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"marketd/observability"
)

// Listing mirrors the node's listing result shape.
type Listing struct {
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

// Receipt mirrors the node's settlement receipt shape.
type Receipt struct {
	ListingID uint64 `json:"listingId"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Asset     string `json:"asset"`
	Filled    string `json:"filled"`
	Payment   string `json:"payment"`
	Remaining string `json:"remaining"`
	SettledAt int64  `json:"settledAt"`
}

// Balance mirrors the node's token balance result.
type Balance struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

// NodeEvent is one entry from the node's market event feed.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventsPage is a cursored slice of the node event feed.
type EventsPage struct {
	Events     []NodeEvent `json:"events"`
	NextCursor string      `json:"nextCursor"`
}

// CreateListingRequest carries the parameters for a new listing.
type CreateListingRequest struct {
	Seller   string `json:"seller"`
	Asset    string `json:"asset"`
	Kind     string `json:"kind"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	Window   int64  `json:"window,omitempty"`
}

// BuyRequest carries the parameters for a purchase.
type BuyRequest struct {
	Buyer    string `json:"buyer"`
	ID       uint64 `json:"id"`
	Quantity string `json:"quantity"`
	Payment  string `json:"payment"`
}

// NodeClient abstracts the market node RPC methods the gateway depends on.
type NodeClient interface {
	CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error)
	BuyListing(ctx context.Context, req BuyRequest) (*Receipt, error)
	CancelListing(ctx context.Context, caller string, id uint64) error
	ReclaimListing(ctx context.Context, caller string, id uint64) error
	GetListing(ctx context.Context, id uint64) (*Listing, error)
	ListingsBySeller(ctx context.Context, seller string) ([]Listing, error)
	UnitListingByAsset(ctx context.Context, asset string) (*Listing, error)
	TokenBalance(ctx context.Context, address, token string) (*Balance, error)
	FetchEvents(ctx context.Context, cursor string, limit int) (*EventsPage, error)
}

// NodeError is a JSON-RPC error surfaced by the node, preserved so handlers
// can map node failures onto meaningful HTTP statuses.
type NodeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *NodeError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

// RPCNodeClient talks JSON-RPC to the market node.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	nextID    atomic.Int64
}

// NewRPCNodeClient builds a client for the node at baseURL authorised by the
// bearer token.
func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	err := c.doCall(ctx, method, params, out)
	observability.Gateway().ObserveNodeCall(method, err)
	return err
}

func (c *RPCNodeClient) doCall(ctx context.Context, method string, params interface{}, out interface{}) error {
	reqBody := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      c.nextID.Add(1),
	}
	if params != nil {
		reqBody.Params = []interface{}{params}
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("node request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("node returned status %d: %s", resp.StatusCode, string(body))
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		nodeErr := &NodeError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		if len(rpcResp.Error.Data) > 0 {
			var data string
			if err := json.Unmarshal(rpcResp.Error.Data, &data); err == nil {
				nodeErr.Data = data
			} else {
				nodeErr.Data = string(rpcResp.Error.Data)
			}
		}
		return nodeErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (c *RPCNodeClient) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	listing := &Listing{}
	if err := c.call(ctx, "market_create", req, listing); err != nil {
		return nil, err
	}
	return listing, nil
}

func (c *RPCNodeClient) BuyListing(ctx context.Context, req BuyRequest) (*Receipt, error) {
	receipt := &Receipt{}
	if err := c.call(ctx, "market_buy", req, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *RPCNodeClient) CancelListing(ctx context.Context, caller string, id uint64) error {
	params := struct {
		Caller string `json:"caller"`
		ID     uint64 `json:"id"`
	}{Caller: caller, ID: id}
	return c.call(ctx, "market_cancel", params, nil)
}

func (c *RPCNodeClient) ReclaimListing(ctx context.Context, caller string, id uint64) error {
	params := struct {
		Caller string `json:"caller"`
		ID     uint64 `json:"id"`
	}{Caller: caller, ID: id}
	return c.call(ctx, "market_reclaim", params, nil)
}

func (c *RPCNodeClient) GetListing(ctx context.Context, id uint64) (*Listing, error) {
	params := struct {
		ID uint64 `json:"id"`
	}{ID: id}
	listing := &Listing{}
	if err := c.call(ctx, "market_getListing", params, listing); err != nil {
		return nil, err
	}
	return listing, nil
}

func (c *RPCNodeClient) ListingsBySeller(ctx context.Context, seller string) ([]Listing, error) {
	params := struct {
		Seller string `json:"seller"`
	}{Seller: seller}
	var listings []Listing
	if err := c.call(ctx, "market_listingsBySeller", params, &listings); err != nil {
		return nil, err
	}
	return listings, nil
}

func (c *RPCNodeClient) UnitListingByAsset(ctx context.Context, asset string) (*Listing, error) {
	params := struct {
		Asset string `json:"asset"`
	}{Asset: asset}
	listing := &Listing{}
	if err := c.call(ctx, "market_listingByAsset", params, listing); err != nil {
		return nil, err
	}
	return listing, nil
}

func (c *RPCNodeClient) TokenBalance(ctx context.Context, address, token string) (*Balance, error) {
	params := struct {
		Address string `json:"address"`
		Token   string `json:"token"`
	}{Address: address, Token: token}
	balance := &Balance{}
	if err := c.call(ctx, "token_getBalance", params, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, cursor string, limit int) (*EventsPage, error) {
	params := struct {
		Cursor string `json:"cursor,omitempty"`
		Limit  int    `json:"limit,omitempty"`
	}{Cursor: cursor, Limit: limit}
	page := &EventsPage{}
	if err := c.call(ctx, "market_events", params, page); err != nil {
		return nil, err
	}
	return page, nil
}
