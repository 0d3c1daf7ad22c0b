package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"marketd/core/types"
	"marketd/observability"
)

const marketEventHistoryLimit = 2048

// MarketEventUpdate is one entry on the node's market event feed. Cursor is
// the string form of Sequence; clients resume by replaying it back.
type MarketEventUpdate struct {
	Sequence uint64
	Cursor   string
	Event    *types.Event
}

func cloneMarketEventUpdate(update MarketEventUpdate) MarketEventUpdate {
	cloned := update
	if update.Event != nil {
		cloned.Event = update.Event.Copy()
	}
	return cloned
}

func (n *Node) publishMarketEvent(event *types.Event) {
	if n == nil || event == nil {
		return
	}
	observability.Events().RecordMarketEvent(event.Type, event.Attributes["asset"])

	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan MarketEventUpdate)
	}
	n.streamSeq++
	update := MarketEventUpdate{
		Sequence: n.streamSeq,
		Cursor:   strconv.FormatUint(n.streamSeq, 10),
		Event:    event.Copy(),
	}
	n.streamHistory = append(n.streamHistory, cloneMarketEventUpdate(update))
	if len(n.streamHistory) > marketEventHistoryLimit {
		excess := len(n.streamHistory) - marketEventHistoryLimit
		trimmed := make([]MarketEventUpdate, marketEventHistoryLimit)
		copy(trimmed, n.streamHistory[excess:])
		n.streamHistory = trimmed
	}
	subscribers := make([]chan MarketEventUpdate, 0, len(n.streamSubs))
	for _, ch := range n.streamSubs {
		subscribers = append(subscribers, ch)
	}
	n.streamMu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneMarketEventUpdate(update):
		default:
		}
	}
}

func parseEventCursor(cursor string) uint64 {
	trimmed := strings.TrimSpace(cursor)
	if trimmed == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// MarketEventsSince returns up to limit retained events with sequence greater
// than the cursor, oldest first. A cursor older than the retained window
// resumes from the oldest retained event.
func (n *Node) MarketEventsSince(cursor string, limit int) ([]MarketEventUpdate, error) {
	if n == nil {
		return nil, fmt.Errorf("node not initialised")
	}
	if limit <= 0 || limit > marketEventHistoryLimit {
		limit = marketEventHistoryLimit
	}
	since := parseEventCursor(cursor)

	n.streamMu.Lock()
	history := make([]MarketEventUpdate, len(n.streamHistory))
	copy(history, n.streamHistory)
	n.streamMu.Unlock()

	updates := make([]MarketEventUpdate, 0, limit)
	for _, entry := range history {
		if entry.Sequence <= since {
			continue
		}
		updates = append(updates, cloneMarketEventUpdate(entry))
		if len(updates) == limit {
			break
		}
	}
	return updates, nil
}

// MarketEventsSubscribe registers a live subscriber starting after the
// supplied cursor. The returned backlog holds the retained events the cursor
// missed; the cancel function releases the subscription.
func (n *Node) MarketEventsSubscribe(ctx context.Context, cursor string) (<-chan MarketEventUpdate, func(), []MarketEventUpdate, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan MarketEventUpdate, 32)
	since := parseEventCursor(cursor)

	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan MarketEventUpdate)
	}
	id := n.streamNextID
	n.streamNextID++
	n.streamSubs[id] = updates
	history := make([]MarketEventUpdate, len(n.streamHistory))
	copy(history, n.streamHistory)
	n.streamMu.Unlock()

	backlog := make([]MarketEventUpdate, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneMarketEventUpdate(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.streamMu.Lock()
			sub, ok := n.streamSubs[id]
			if ok {
				delete(n.streamSubs, id)
				close(sub)
			}
			n.streamMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
