package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"marketd/crypto"
	"marketd/observability"
)

const (
	defaultWatcherPollInterval = 5 * time.Second
	defaultWatcherBatchSize    = 100

	eventTypePurchased = "market.listing.purchased"
)

// EventWatcher polls the node event feed, persists each event, records
// settlements, and enqueues webhook deliveries.
type EventWatcher struct {
	node         NodeClient
	store        *SQLiteStore
	queue        *WebhookQueue
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
	logger       *slog.Logger
}

// NewEventWatcher builds a watcher with default poll cadence and batch size.
func NewEventWatcher(node NodeClient, store *SQLiteStore, queue *WebhookQueue) *EventWatcher {
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		pollInterval: defaultWatcherPollInterval,
		batchSize:    defaultWatcherBatchSize,
		nowFn:        time.Now,
		logger:       slog.Default(),
	}
}

// SetPollInterval overrides the poll cadence.
func (w *EventWatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		w.pollInterval = interval
	}
}

// SetBatchSize overrides the per-poll event page size.
func (w *EventWatcher) SetBatchSize(size int) {
	if size > 0 {
		w.batchSize = size
	}
}

// Run polls until the context is cancelled, resuming from the persisted
// cursor.
func (w *EventWatcher) Run(ctx context.Context) {
	cursor, err := w.store.EventCursor(ctx)
	if err != nil {
		w.logger.Error("load event cursor", "error", err)
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = w.poll(ctx, cursor)
		}
	}
}

// poll fetches one page of events after the cursor and returns the cursor to
// resume from next time.
func (w *EventWatcher) poll(ctx context.Context, cursor string) string {
	page, err := w.node.FetchEvents(ctx, cursor, w.batchSize)
	if err != nil {
		w.logger.Error("fetch node events", "cursor", cursor, "error", err)
		return cursor
	}
	if page == nil || len(page.Events) == 0 {
		return cursor
	}
	var lastSequence uint64
	for _, event := range page.Events {
		if err := w.handleEvent(ctx, event); err != nil {
			w.logger.Error("handle node event", "sequence", event.Sequence, "error", err)
			return cursor
		}
		lastSequence = event.Sequence
	}
	next := page.NextCursor
	if next == "" {
		next = cursor
	}
	if err := w.store.UpdateEventCursor(ctx, next); err != nil {
		w.logger.Error("persist event cursor", "cursor", next, "error", err)
		return cursor
	}
	observability.Gateway().SetWatcherSequence(lastSequence)
	return next
}

func (w *EventWatcher) handleEvent(ctx context.Context, event NodeEvent) error {
	now := w.nowFn()
	if err := w.store.InsertNodeEvent(ctx, StoredEvent{
		Sequence:   event.Sequence,
		Type:       event.Type,
		Attributes: event.Attributes,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if event.Type == eventTypePurchased {
		if err := w.store.InsertSettlement(ctx, settlementFromEvent(event, now)); err != nil {
			return err
		}
	}
	w.queue.Enqueue(WebhookEvent{
		Sequence:   event.Sequence,
		Type:       event.Type,
		Attributes: event.Attributes,
		CreatedAt:  now,
	})
	return nil
}

// settlementFromEvent maps a purchased event's attributes onto a settlement
// row. Addresses arrive hex encoded on the feed and are stored in the wallet
// format the REST surface uses.
func settlementFromEvent(event NodeEvent, fallback time.Time) SettlementRecord {
	attrs := event.Attributes
	record := SettlementRecord{
		Sequence:  event.Sequence,
		Asset:     attrs["asset"],
		Buyer:     walletAddress(attrs["buyer"]),
		Seller:    walletAddress(attrs["seller"]),
		Quantity:  attrs["filled"],
		Payment:   attrs["payment"],
		SettledAt: fallback.UTC(),
	}
	if id, err := strconv.ParseUint(attrs["id"], 10, 64); err == nil {
		record.ListingID = id
	}
	if unix, err := strconv.ParseInt(attrs["settledAt"], 10, 64); err == nil && unix > 0 {
		record.SettledAt = time.Unix(unix, 0).UTC()
	}
	return record
}

func walletAddress(raw string) string {
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != 20 {
		return raw
	}
	var addr [20]byte
	copy(addr[:], decoded)
	return crypto.MustNewAddress(addr).String()
}
