package main

import (
	"context"
	"sync"
	"time"

	"marketd/observability"
)

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
	dequeuePollInterval    = 25 * time.Millisecond
)

// WebhookEvent is one node event queued for delivery.
type WebhookEvent struct {
	Sequence   uint64
	Type       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask pairs an event with an optional delivery target. A nil
// Subscription means the task still needs fan-out across subscribers.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

// queueRing is a fixed-capacity FIFO that drops its oldest entry on overflow.
type queueRing[T any] struct {
	items []T
	head  int
	size  int
}

func newQueueRing[T any](capacity int) *queueRing[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &queueRing[T]{items: make([]T, capacity)}
}

func (r *queueRing[T]) push(item T) (T, bool) {
	var dropped T
	var overflowed bool
	if r.size == len(r.items) {
		dropped = r.items[r.head]
		overflowed = true
		r.items[r.head] = item
		r.head = (r.head + 1) % len(r.items)
		return dropped, overflowed
	}
	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	return dropped, false
}

func (r *queueRing[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return item, true
}

func (r *queueRing[T]) peek() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

func (r *queueRing[T]) len() int {
	return r.size
}

func (r *queueRing[T]) forEach(fn func(T) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.items[(r.head+i)%len(r.items)]) {
			return
		}
	}
}

// WebhookQueueOption customises queue construction.
type WebhookQueueOption func(*WebhookQueue)

// WithWebhookTaskCapacity bounds the pending-delivery ring.
func WithWebhookTaskCapacity(capacity int) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if capacity > 0 {
			q.tasks = newQueueRing[WebhookTask](capacity)
		}
	}
}

// WithWebhookHistoryCapacity bounds the recent-event history ring.
func WithWebhookHistoryCapacity(capacity int) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if capacity > 0 {
			q.history = newQueueRing[WebhookEvent](capacity)
		}
	}
}

// WithWebhookTTL bounds how long undelivered work stays queued.
func WithWebhookTTL(ttl time.Duration) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

func withWebhookClock(nowFn func() time.Time) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if nowFn != nil {
			q.nowFn = nowFn
		}
	}
}

// WebhookQueue buffers events awaiting webhook delivery. The queue is bounded:
// when full, the oldest pending task is dropped to admit the newest.
type WebhookQueue struct {
	mu      sync.Mutex
	tasks   *queueRing[WebhookTask]
	history *queueRing[WebhookEvent]
	ttl     time.Duration
	nowFn   func() time.Time
}

// NewWebhookQueue builds a queue with the supplied options.
func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	q := &WebhookQueue{
		tasks:   newQueueRing[WebhookTask](defaultTaskCapacity),
		history: newQueueRing[WebhookEvent](defaultHistoryCapacity),
		ttl:     defaultQueueTTL,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits an event for fan-out delivery.
func (q *WebhookQueue) Enqueue(event WebhookEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFn()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	q.evictExpired(now)
	if _, dropped := q.tasks.push(WebhookTask{Event: event}); dropped {
		observability.Gateway().ObserveWebhookDelivery(event.Type, "dropped")
	}
	q.history.push(event)
	observability.Gateway().SetWebhookQueueDepth(q.tasks.len())
}

// Requeue schedules a task for another attempt, honouring its NotBefore time.
func (q *WebhookQueue) Requeue(task WebhookTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFn()
	q.evictExpired(now)
	if _, dropped := q.tasks.push(task); dropped {
		observability.Gateway().ObserveWebhookDelivery(task.Event.Type, "dropped")
	}
	observability.Gateway().SetWebhookQueueDepth(q.tasks.len())
}

// Dequeue blocks until a task is ready or the context ends. The boolean is
// false when the context expired without yielding work.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		now := q.nowFn()
		q.evictExpired(now)
		task, ready := q.popReady(now)
		depth := q.tasks.len()
		q.mu.Unlock()
		if ready {
			observability.Gateway().SetWebhookQueueDepth(depth)
			return task, true
		}
		select {
		case <-ctx.Done():
			return WebhookTask{}, false
		case <-time.After(dequeuePollInterval):
		}
	}
}

// Events snapshots the recent-event history, oldest first.
func (q *WebhookQueue) Events() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpired(q.nowFn())
	events := make([]WebhookEvent, 0, q.history.len())
	q.history.forEach(func(event WebhookEvent) bool {
		events = append(events, event)
		return true
	})
	return events
}

// Len reports the number of pending tasks.
func (q *WebhookQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// popReady removes the head task when its NotBefore has passed. Deferred
// retries park at the head, so a not-yet-due retry is rotated to the back to
// keep fresh fan-out work flowing.
func (q *WebhookQueue) popReady(now time.Time) (WebhookTask, bool) {
	for i := 0; i < q.tasks.len(); i++ {
		head, ok := q.tasks.peek()
		if !ok {
			return WebhookTask{}, false
		}
		if head.NotBefore.IsZero() || !head.NotBefore.After(now) {
			task, _ := q.tasks.pop()
			return task, true
		}
		task, _ := q.tasks.pop()
		q.tasks.push(task)
	}
	return WebhookTask{}, false
}

func (q *WebhookQueue) evictExpired(now time.Time) {
	for {
		head, ok := q.tasks.peek()
		if !ok {
			break
		}
		if now.Sub(head.Event.CreatedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		observability.Gateway().ObserveWebhookDelivery(head.Event.Type, "expired")
	}
	for {
		head, ok := q.history.peek()
		if !ok {
			return
		}
		if now.Sub(head.CreatedAt) <= q.ttl {
			return
		}
		q.history.pop()
	}
}
