package core

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"marketd/core/events"
	"marketd/core/genesis"
	"marketd/core/state"
	"marketd/core/types"
	"marketd/native/common"
	"marketd/native/market"
	"marketd/observability"
	"marketd/observability/metrics"
	"marketd/storage"
)

// ErrTokenUnknown is returned when a balance query names an unregistered
// token.
var ErrTokenUnknown = errors.New("token not registered")

// Node is the central controller: it owns the database, the state manager and
// the market engine, and serialises all state access behind a single mutex.
type Node struct {
	db      storage.Database
	state   *state.Manager
	engine  *market.Engine
	stateMu sync.Mutex

	paymentToken string

	quota      common.Quota
	quotaUsage map[[20]byte]common.QuotaNow

	streamMu      sync.Mutex
	streamSeq     uint64
	streamHistory []MarketEventUpdate
	streamSubs    map[uint64]chan MarketEventUpdate
	streamNextID  uint64
}

// NewNode opens state over db, applies the genesis document on first boot and
// wires the market engine. The payment token must be registered by genesis.
func NewNode(db storage.Database, genesisPath, paymentToken string, pauses common.StaticPauses) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database must not be nil")
	}
	normalizedToken, err := market.NormalizeAsset(paymentToken)
	if err != nil {
		return nil, fmt.Errorf("node: payment token: %w", err)
	}

	manager := state.NewManager(db)
	applied, err := genesis.Applied(manager)
	if err != nil {
		return nil, fmt.Errorf("node: inspect state: %w", err)
	}
	if !applied {
		if strings.TrimSpace(genesisPath) == "" {
			return nil, fmt.Errorf("node: fresh database requires a genesis file")
		}
		spec, err := genesis.LoadSpec(genesisPath)
		if err != nil {
			return nil, err
		}
		if err := genesis.Apply(spec, manager); err != nil {
			return nil, fmt.Errorf("node: apply genesis: %w", err)
		}
	}
	if !manager.TokenExists(normalizedToken) {
		return nil, fmt.Errorf("node: payment token %s not registered", normalizedToken)
	}

	node := &Node{
		db:           db,
		state:        manager,
		paymentToken: normalizedToken,
	}

	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetPaymentToken(normalizedToken)
	engine.SetPauses(pauses)
	engine.SetEmitter(marketEventEmitter{node: node})
	node.engine = engine

	return node, nil
}

// PaymentToken returns the settlement token symbol the node was booted with.
func (n *Node) PaymentToken() string { return n.paymentToken }

// SetMutationQuota installs per-address admission limits for market
// mutations. A quota without limits disables enforcement and clears any
// accumulated counters.
func (n *Node) SetMutationQuota(q common.Quota) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	n.quota = q
	n.quotaUsage = make(map[[20]byte]common.QuotaNow)
}

func (n *Node) quotaEpoch() uint64 {
	return uint64(time.Now().Unix()) / uint64(n.quota.EpochSeconds)
}

func quotaVolume(payment *big.Int) uint64 {
	if payment == nil || payment.Sign() <= 0 {
		return 0
	}
	if !payment.IsUint64() {
		return math.MaxUint64
	}
	return payment.Uint64()
}

// admitQuota charges one request against addr and verifies the prospective
// volume would still fit. Volume itself is only recorded once settlement
// succeeds, via settleQuotaVolume. Callers hold stateMu.
func (n *Node) admitQuota(addr [20]byte, payment *big.Int) error {
	if !n.quota.Enabled() {
		return nil
	}
	volume := uint64(0)
	if n.quota.MaxVolumePerEpoch > 0 {
		volume = quotaVolume(payment)
	}
	epoch := n.quotaEpoch()
	prev := n.quotaUsage[addr]
	if _, err := common.CheckQuota(n.quota, epoch, prev, 1, volume); err != nil {
		return err
	}
	next, err := common.CheckQuota(n.quota, epoch, prev, 1, 0)
	if err != nil {
		return err
	}
	if n.quotaUsage == nil {
		n.quotaUsage = make(map[[20]byte]common.QuotaNow)
	}
	n.quotaUsage[addr] = next
	return nil
}

func (n *Node) settleQuotaVolume(addr [20]byte, payment *big.Int) {
	if !n.quota.Enabled() || n.quota.MaxVolumePerEpoch == 0 {
		return
	}
	volume := quotaVolume(payment)
	if volume == 0 {
		return
	}
	next, err := common.CheckQuota(n.quota, n.quotaEpoch(), n.quotaUsage[addr], 0, volume)
	if err != nil {
		return
	}
	n.quotaUsage[addr] = next
}

type eventWithPayload interface {
	Event() *types.Event
}

// marketEventEmitter bridges engine events onto the node's cursored feed.
type marketEventEmitter struct {
	node *Node
}

func (e marketEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.node.publishMarketEvent(event)
}

// --- market operations; each runs under the state mutex ---

func (n *Node) MarketCreate(seller [20]byte, asset string, quantity *big.Int, terms market.PriceTerms, window int64) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.admitQuota(seller, nil); err != nil {
		metrics.Market().ObserveOperation("create", err)
		return nil, err
	}
	listing, err := n.engine.Create(seller, asset, quantity, terms, window)
	metrics.Market().ObserveOperation("create", err)
	if err == nil && listing != nil {
		metrics.Market().ObserveListingOpened(listing.Kind.String())
	}
	return listing, err
}

func (n *Node) MarketBuy(buyer [20]byte, id uint64, quantity, payment *big.Int) (*market.Receipt, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.admitQuota(buyer, payment); err != nil {
		metrics.Market().ObserveOperation("buy", err)
		return nil, err
	}
	receipt, err := n.engine.Buy(buyer, id, quantity, payment)
	metrics.Market().ObserveOperation("buy", err)
	if err == nil && receipt != nil {
		n.settleQuotaVolume(buyer, receipt.Payment)
		observability.Events().RecordSettlement(receipt.Asset, receipt.Payment)
	}
	return receipt, err
}

func (n *Node) MarketCancel(caller [20]byte, id uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.admitQuota(caller, nil); err != nil {
		metrics.Market().ObserveOperation("cancel", err)
		return err
	}
	err := n.engine.Cancel(caller, id)
	metrics.Market().ObserveOperation("cancel", err)
	return err
}

func (n *Node) MarketReclaim(caller [20]byte, id uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.admitQuota(caller, nil); err != nil {
		metrics.Market().ObserveOperation("reclaim", err)
		return err
	}
	err := n.engine.Reclaim(caller, id)
	metrics.Market().ObserveOperation("reclaim", err)
	return err
}

func (n *Node) MarketGet(id uint64) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.engine.Get(id)
}

func (n *Node) MarketListingsBySeller(seller [20]byte) ([]*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.engine.ListingsBySeller(seller)
}

func (n *Node) MarketUnitListingByAsset(asset string) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.engine.UnitListingByAsset(asset)
}

func (n *Node) MarketCustodyBalance(asset string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.engine.CustodyBalance(asset)
}

// --- token ledger queries ---

func (n *Node) TokenBalance(addr [20]byte, symbol string) (*big.Int, error) {
	normalized, err := market.NormalizeAsset(symbol)
	if err != nil {
		return nil, ErrTokenUnknown
	}

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if !n.state.TokenExists(normalized) {
		return nil, ErrTokenUnknown
	}
	return n.state.Balance(addr[:], normalized)
}

func (n *Node) TokenMetadata(symbol string) (*state.TokenMetadata, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	meta, err := n.state.Token(symbol)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrTokenUnknown
	}
	return meta, nil
}
