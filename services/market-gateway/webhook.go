package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"marketd/observability"
)

const (
	maxWebhookAttempts  = 5
	webhookRetryBase    = time.Second
	webhookRetryCeiling = 5 * time.Minute
	defaultRateLimit    = 60
)

// webhookPayload is the JSON body posted to subscribers.
type webhookPayload struct {
	DeliveryID string            `json:"deliveryId"`
	Type       string            `json:"type"`
	Sequence   uint64            `json:"sequence"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

// WebhookWorker drains the queue, fanning events out to active subscriptions
// and delivering each with signed retries.
type WebhookWorker struct {
	store   *SQLiteStore
	queue   *WebhookQueue
	client  *http.Client
	nowFn   func() time.Time
	limits  map[int64]*rateWindow
	perMin  int
	logger  *slog.Logger
	idGenFn func() string
}

// NewWebhookWorker builds a worker bound to the store and queue.
func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue) *WebhookWorker {
	return &WebhookWorker{
		store:   store,
		queue:   queue,
		client:  &http.Client{Timeout: 10 * time.Second},
		nowFn:   time.Now,
		limits:  make(map[int64]*rateWindow),
		perMin:  defaultRateLimit,
		logger:  slog.Default(),
		idGenFn: func() string { return uuid.NewString() },
	}
}

// SetDefaultRateLimit overrides the per-subscription deliveries-per-minute
// ceiling applied when a subscription does not carry its own.
func (w *WebhookWorker) SetDefaultRateLimit(perMinute int) {
	if perMinute > 0 {
		w.perMin = perMinute
	}
}

// Run processes queued work until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

// expandTask fans one event out into per-subscription delivery tasks.
func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Error("list webhook subscriptions", "event", task.Event.Type, "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		w.queue.Requeue(WebhookTask{Event: task.Event, Subscription: &sub})
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	now := w.nowFn()

	if reset, limited := w.rateLimited(sub, now); limited {
		task.NotBefore = reset
		w.queue.Requeue(task)
		observability.Gateway().ObserveWebhookDelivery(task.Event.Type, "rate_limited")
		return
	}

	deliveryID := w.idGenFn()
	payload, err := json.Marshal(webhookPayload{
		DeliveryID: deliveryID,
		Type:       task.Event.Type,
		Sequence:   task.Event.Sequence,
		Attributes: task.Event.Attributes,
		Timestamp:  task.Event.CreatedAt.Unix(),
	})
	if err != nil {
		w.logger.Error("marshal webhook payload", "error", err)
		return
	}

	statusCode, deliverErr := w.post(ctx, sub, payload)
	if deliverErr == nil && statusCode >= 200 && statusCode < 300 {
		w.recordAttempt(ctx, sub, task, deliveryID, "success", statusCode, "")
		observability.Gateway().ObserveWebhookDelivery(task.Event.Type, "success")
		return
	}

	errText := ""
	if deliverErr != nil {
		errText = deliverErr.Error()
	} else {
		errText = fmt.Sprintf("unexpected status %d", statusCode)
	}
	w.retryLater(ctx, task, deliveryID, statusCode, errText)
}

func (w *WebhookWorker) post(ctx context.Context, sub *WebhookSubscription, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build delivery: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// retryLater requeues the task with exponential backoff until the attempt
// budget is exhausted.
func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, deliveryID string, statusCode int, errText string) {
	sub := task.Subscription
	attempt := task.Attempt + 1
	if attempt >= maxWebhookAttempts {
		w.recordAttempt(ctx, sub, task, deliveryID, "failed", statusCode, errText)
		observability.Gateway().ObserveWebhookDelivery(task.Event.Type, "failed")
		w.logger.Warn("webhook delivery abandoned",
			"webhook", sub.ID, "event", task.Event.Type, "attempts", attempt, "error", errText)
		return
	}
	w.recordAttempt(ctx, sub, task, deliveryID, "retry", statusCode, errText)
	observability.Gateway().ObserveWebhookDelivery(task.Event.Type, "retry")

	backoff := webhookRetryBase << uint(task.Attempt)
	if backoff > webhookRetryCeiling {
		backoff = webhookRetryCeiling
	}
	task.Attempt = attempt
	task.NotBefore = w.nowFn().Add(backoff)
	w.queue.Requeue(task)
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, sub *WebhookSubscription, task WebhookTask, deliveryID, status string, statusCode int, errText string) {
	err := w.store.RecordWebhookAttempt(ctx, WebhookAttempt{
		WebhookID:   sub.ID,
		DeliveryID:  deliveryID,
		Sequence:    task.Event.Sequence,
		Status:      status,
		StatusCode:  statusCode,
		Error:       errText,
		AttemptedAt: w.nowFn(),
	})
	if err != nil {
		w.logger.Error("record webhook attempt", "webhook", sub.ID, "error", err)
	}
}

// rateLimited enforces a fixed one-minute delivery window per subscription.
// It returns the window reset time when the budget is exhausted.
func (w *WebhookWorker) rateLimited(sub *WebhookSubscription, now time.Time) (time.Time, bool) {
	limit := sub.RateLimit
	if limit <= 0 {
		limit = w.perMin
	}
	window, ok := w.limits[sub.ID]
	if !ok || now.Sub(window.windowStart) >= time.Minute {
		w.limits[sub.ID] = &rateWindow{windowStart: now, count: 1}
		return time.Time{}, false
	}
	if window.count >= limit {
		return window.windowStart.Add(time.Minute), true
	}
	window.count++
	return time.Time{}, false
}

// signPayload derives the hex HMAC-SHA256 delivery signature.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
