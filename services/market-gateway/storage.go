package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrIdempotencyMismatch signals that an idempotency key was replayed with a
// different request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with different request")

const eventCursorName = "market-events"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
        api_key TEXT NOT NULL,
        idempotency_key TEXT NOT NULL,
        request_hash TEXT NOT NULL,
        status INTEGER NOT NULL,
        response BLOB,
        created_at TIMESTAMP NOT NULL,
        PRIMARY KEY (api_key, idempotency_key)
    )`,
	`CREATE TABLE IF NOT EXISTS audit_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        api_key TEXT,
        method TEXT NOT NULL,
        path TEXT NOT NULL,
        status INTEGER NOT NULL,
        payload BLOB,
        created_at TIMESTAMP NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS auth_nonces (
        api_key TEXT NOT NULL,
        nonce TEXT NOT NULL,
        seen_at TIMESTAMP NOT NULL,
        PRIMARY KEY (api_key, nonce)
    )`,
	`CREATE TABLE IF NOT EXISTS node_events (
        sequence INTEGER PRIMARY KEY,
        type TEXT NOT NULL,
        attributes TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS event_cursors (
        name TEXT PRIMARY KEY,
        value TEXT NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS webhooks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        api_key TEXT,
        event_type TEXT NOT NULL,
        url TEXT NOT NULL,
        secret TEXT NOT NULL,
        rate_limit INTEGER NOT NULL,
        active INTEGER NOT NULL,
        created_at TIMESTAMP NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS webhook_attempts (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        webhook_id INTEGER NOT NULL,
        delivery_id TEXT NOT NULL,
        sequence INTEGER NOT NULL,
        status TEXT NOT NULL,
        status_code INTEGER,
        error TEXT,
        attempted_at TIMESTAMP NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS settlements (
        sequence INTEGER PRIMARY KEY,
        listing_id INTEGER NOT NULL,
        asset TEXT NOT NULL,
        buyer TEXT NOT NULL,
        seller TEXT NOT NULL,
        quantity TEXT NOT NULL,
        payment TEXT NOT NULL,
        settled_at TIMESTAMP NOT NULL
    )`,
}

// SQLiteStore persists gateway bookkeeping: idempotency keys, audit entries,
// replay nonces, node events, webhook subscriptions, and settlement rows.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating when necessary) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// IdempotencyRecord is the cached outcome of a previously executed request.
type IdempotencyRecord struct {
	RequestHash string
	Status      int
	Response    []byte
	CreatedAt   time.Time
}

// SaveIdempotency stores the response produced for an idempotency key.
func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, response []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency_keys (api_key, idempotency_key, request_hash, status, response, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		apiKey, key, requestHash, status, response, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	return nil
}

// LookupIdempotency returns the cached record for the key, nil when unseen,
// and ErrIdempotencyMismatch when the key was used with a different request.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status, response, created_at FROM idempotency_keys
         WHERE api_key = ? AND idempotency_key = ?`, apiKey, key)
	record := &IdempotencyRecord{}
	err := row.Scan(&record.RequestHash, &record.Status, &record.Response, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency: %w", err)
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return record, nil
}

// AuditEntry captures one handled request for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	APIKey    string    `json:"apiKey,omitempty"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// InsertAuditLog appends an entry to the audit trail.
func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (api_key, method, path, status, payload, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		entry.APIKey, entry.Method, entry.Path, entry.Status, entry.Payload, createdAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns the newest entries, most recent first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_key, method, path, status, payload, created_at FROM audit_log
         ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()
	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var apiKey sql.NullString
		if err := rows.Scan(&entry.ID, &apiKey, &entry.Method, &entry.Path, &entry.Status, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.APIKey = apiKey.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// EnsureNonce persists a replay-protection nonce.
func (s *SQLiteStore) EnsureNonce(ctx context.Context, apiKey, nonce string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO auth_nonces (api_key, nonce, seen_at) VALUES (?, ?, ?)`,
		apiKey, nonce, seenAt.UTC())
	if err != nil {
		return fmt.Errorf("ensure nonce: %w", err)
	}
	return nil
}

// RecentNonces returns nonces seen at or after since.
func (s *SQLiteStore) RecentNonces(ctx context.Context, since time.Time) ([]StoredNonce, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT api_key, nonce, seen_at FROM auth_nonces WHERE seen_at >= ?`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("recent nonces: %w", err)
	}
	defer rows.Close()
	var nonces []StoredNonce
	for rows.Next() {
		var entry StoredNonce
		if err := rows.Scan(&entry.APIKey, &entry.Nonce, &entry.SeenAt); err != nil {
			return nil, fmt.Errorf("scan nonce: %w", err)
		}
		nonces = append(nonces, entry)
	}
	return nonces, rows.Err()
}

// PruneNonces deletes nonces last seen before the cutoff.
func (s *SQLiteStore) PruneNonces(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_nonces WHERE seen_at < ?`, before.UTC())
	if err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

// StoredEvent is a node event persisted for audit and webhook fan-out.
type StoredEvent struct {
	Sequence   uint64
	Type       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// InsertNodeEvent stores an observed node event, replacing any duplicate of
// the same sequence.
func (s *SQLiteStore) InsertNodeEvent(ctx context.Context, event StoredEvent) error {
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO node_events (sequence, type, attributes, created_at) VALUES (?, ?, ?, ?)`,
		event.Sequence, event.Type, string(attrs), createdAt)
	if err != nil {
		return fmt.Errorf("insert node event: %w", err)
	}
	return nil
}

// EventCursor returns the persisted feed cursor, empty when none is stored.
func (s *SQLiteStore) EventCursor(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM event_cursors WHERE name = ?`, eventCursorName)
	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("event cursor: %w", err)
	}
	return value, nil
}

// UpdateEventCursor upserts the feed cursor.
func (s *SQLiteStore) UpdateEventCursor(ctx context.Context, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_cursors (name, value) VALUES (?, ?)
         ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		eventCursorName, cursor)
	if err != nil {
		return fmt.Errorf("update event cursor: %w", err)
	}
	return nil
}

// WebhookSubscription describes one registered delivery target.
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	APIKey    string    `json:"apiKey,omitempty"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// InsertWebhook registers a subscription and returns its id.
func (s *SQLiteStore) InsertWebhook(ctx context.Context, sub WebhookSubscription) (int64, error) {
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (api_key, event_type, url, secret, rate_limit, active, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.APIKey, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, boolInt(sub.Active), createdAt)
	if err != nil {
		return 0, fmt.Errorf("insert webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("webhook id: %w", err)
	}
	return id, nil
}

// ListWebhooks returns every subscription.
func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ListWebhooksForEvent returns the active subscriptions for the event type.
func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks
         WHERE event_type = ? AND active = 1`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list webhooks for event: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// SetWebhookActive flips a subscription's active flag.
func (s *SQLiteStore) SetWebhookActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE webhooks SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("set webhook active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set webhook active: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanWebhooks(rows *sql.Rows) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var apiKey sql.NullString
		var active int
		if err := rows.Scan(&sub.ID, &apiKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		sub.APIKey = apiKey.String
		sub.Active = active != 0
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// WebhookAttempt records the outcome of one delivery try.
type WebhookAttempt struct {
	WebhookID   int64
	DeliveryID  string
	Sequence    uint64
	Status      string
	StatusCode  int
	Error       string
	AttemptedAt time.Time
}

// RecordWebhookAttempt appends a delivery attempt row.
func (s *SQLiteStore) RecordWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	attemptedAt := attempt.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_attempts (webhook_id, delivery_id, sequence, status, status_code, error, attempted_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.WebhookID, attempt.DeliveryID, attempt.Sequence, attempt.Status, attempt.StatusCode, attempt.Error, attemptedAt)
	if err != nil {
		return fmt.Errorf("record webhook attempt: %w", err)
	}
	return nil
}

// SettlementRecord is one finalized purchase captured from the event feed.
type SettlementRecord struct {
	Sequence  uint64    `json:"sequence"`
	ListingID uint64    `json:"listingId"`
	Asset     string    `json:"asset"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Quantity  string    `json:"quantity"`
	Payment   string    `json:"payment"`
	SettledAt time.Time `json:"settledAt"`
}

// InsertSettlement stores a settlement row keyed by event sequence.
func (s *SQLiteStore) InsertSettlement(ctx context.Context, record SettlementRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settlements (sequence, listing_id, asset, buyer, seller, quantity, payment, settled_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Sequence, record.ListingID, record.Asset, record.Buyer, record.Seller,
		record.Quantity, record.Payment, record.SettledAt.UTC())
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// SettlementsBetween returns settlements with settled_at in [start, end),
// ordered by sequence.
func (s *SQLiteStore) SettlementsBetween(ctx context.Context, start, end time.Time) ([]SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, listing_id, asset, buyer, seller, quantity, payment, settled_at FROM settlements
         WHERE settled_at >= ? AND settled_at < ? ORDER BY sequence`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("settlements between: %w", err)
	}
	defer rows.Close()
	var records []SettlementRecord
	for rows.Next() {
		var record SettlementRecord
		if err := rows.Scan(&record.Sequence, &record.ListingID, &record.Asset, &record.Buyer,
			&record.Seller, &record.Quantity, &record.Payment, &record.SettledAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func normalizeEventType(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}
