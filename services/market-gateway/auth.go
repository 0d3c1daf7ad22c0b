package main

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerAPIKey         = "X-Api-Key"
	headerTimestamp      = "X-Timestamp"
	headerNonce          = "X-Nonce"
	headerSignature      = "X-Signature"
	headerIdempotencyKey = "Idempotency-Key"

	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
)

var (
	errUnknownAPIKey      = errors.New("unknown api key")
	errMissingCredentials = errors.New("missing authentication headers")
	errTimestampSkew      = errors.New("timestamp outside allowed window")
	errTimestampReplay    = errors.New("timestamp older than latest accepted request")
	errNonceReplay        = errors.New("nonce already used")
	errBadSignature       = errors.New("signature mismatch")
)

// NoncePersistence stores accepted nonces so replay protection survives
// restarts. Implementations must be safe for concurrent use.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, apiKey, nonce string, seenAt time.Time) error
	RecentNonces(ctx context.Context, since time.Time) ([]StoredNonce, error)
	PruneNonces(ctx context.Context, before time.Time) error
}

// StoredNonce is one persisted replay-protection entry.
type StoredNonce struct {
	APIKey string
	Nonce  string
	SeenAt time.Time
}

// Authenticator validates signed merchant requests. Each request carries the
// API key, a unix timestamp, a unique nonce, and an HMAC-SHA256 signature over
// the canonical request.
type Authenticator struct {
	mu          sync.Mutex
	secrets     map[string]string
	nonceTTL    time.Duration
	skew        time.Duration
	nonces      *nonceCache
	lastSeen    map[string]time.Time
	nowFn       func() time.Time
	persistence NoncePersistence
}

// NewAuthenticator builds an authenticator for the supplied API keys. The
// nonce TTL bounds how long a nonce is remembered, skew bounds how far a
// request timestamp may drift from the gateway clock.
func NewAuthenticator(keys []APIKeyConfig, nonceTTL, skew time.Duration, nonceCapacity int, nowFn func() time.Time) *Authenticator {
	secrets := make(map[string]string, len(keys))
	for _, key := range keys {
		trimmed := strings.TrimSpace(key.Key)
		if trimmed == "" || key.Secret == "" {
			continue
		}
		secrets[trimmed] = key.Secret
	}
	if nonceTTL <= 0 {
		nonceTTL = 10 * time.Minute
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secrets:  secrets,
		nonceTTL: nonceTTL,
		skew:     skew,
		nonces:   newNonceCache(nonceCapacity, nonceTTL),
		lastSeen: make(map[string]time.Time),
		nowFn:    nowFn,
	}
}

// SetPersistence attaches a durable nonce store consulted on boot and updated
// as nonces are accepted.
func (a *Authenticator) SetPersistence(p NoncePersistence) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persistence = p
}

// HydrateNonces warms the in-memory replay cache from persisted nonces.
func (a *Authenticator) HydrateNonces(ctx context.Context) error {
	a.mu.Lock()
	persistence := a.persistence
	ttl := a.nonceTTL
	now := a.nowFn()
	a.mu.Unlock()
	if persistence == nil {
		return nil
	}
	stored, err := persistence.RecentNonces(ctx, now.Add(-ttl))
	if err != nil {
		return fmt.Errorf("hydrate nonces: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range stored {
		a.nonces.record(entry.APIKey+"|"+entry.Nonce, entry.SeenAt, now)
	}
	return nil
}

// Run prunes persisted nonces until the context is cancelled.
func (a *Authenticator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			persistence := a.persistence
			cutoff := a.nowFn().Add(-a.nonceTTL)
			a.mu.Unlock()
			if persistence == nil {
				continue
			}
			if err := persistence.PruneNonces(ctx, cutoff); err != nil && ctx.Err() == nil {
				continue
			}
		}
	}
}

// Authenticate verifies the request headers against the signed body and
// returns the API key on success.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (string, error) {
	apiKey := strings.TrimSpace(r.Header.Get(headerAPIKey))
	tsRaw := strings.TrimSpace(r.Header.Get(headerTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	provided := strings.TrimSpace(r.Header.Get(headerSignature))
	if apiKey == "" || tsRaw == "" || nonce == "" || provided == "" {
		return "", errMissingCredentials
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	secret, ok := a.secrets[apiKey]
	if !ok {
		return "", errUnknownAPIKey
	}

	unix, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp: %w", err)
	}
	ts := time.Unix(unix, 0).UTC()
	now := a.nowFn().UTC()
	if drift := now.Sub(ts); drift > a.skew || drift < -a.skew {
		return "", errTimestampSkew
	}
	if last, ok := a.lastSeen[apiKey]; ok && last.After(ts) && last.Sub(ts) > a.nonceTTL {
		return "", errTimestampReplay
	}

	expected := computeSignature(secret, tsRaw, nonce, r.Method, canonicalRequestPath(r), body)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return "", errBadSignature
	}

	cacheKey := apiKey + "|" + tsRaw + "|" + nonce
	if a.nonces.seen(cacheKey, now) {
		return "", errNonceReplay
	}
	a.nonces.record(cacheKey, now, now)
	if a.persistence != nil {
		if err := a.persistence.EnsureNonce(r.Context(), apiKey, tsRaw+"|"+nonce, now); err != nil {
			return "", fmt.Errorf("persist nonce: %w", err)
		}
	}
	if ts.After(a.lastSeen[apiKey]) {
		a.lastSeen[apiKey] = ts
	}
	return apiKey, nil
}

// computeSignature derives the hex HMAC-SHA256 over the canonical request.
func computeSignature(secret, timestamp, nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	payload := strings.Join([]string{
		timestamp,
		nonce,
		strings.ToUpper(method),
		path,
		string(body),
	}, "\n")
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalRequestPath normalises the signed path: the URL path plus the query
// string with its parameters sorted bytewise.
func canonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	rawQuery := r.URL.RawQuery
	if rawQuery == "" {
		return path
	}
	parts := strings.Split(rawQuery, "&")
	sort.Strings(parts)
	return path + "?" + strings.Join(parts, "&")
}

type nonceEntry struct {
	key    string
	seenAt time.Time
}

// nonceCache is a TTL-bounded LRU keyed by api key, timestamp, and nonce.
type nonceCache struct {
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element
}

func newNonceCache(capacity int, ttl time.Duration) *nonceCache {
	return &nonceCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *nonceCache) seen(key string, now time.Time) bool {
	c.evict(now)
	_, ok := c.entries[key]
	return ok
}

func (c *nonceCache) record(key string, seenAt, now time.Time) {
	c.evict(now)
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*nonceEntry).seenAt = seenAt
		c.order.MoveToBack(elem)
		return
	}
	for len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	elem := c.order.PushBack(&nonceEntry{key: key, seenAt: seenAt})
	c.entries[key] = elem
}

func (c *nonceCache) evict(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*nonceEntry)
		if now.Sub(entry.seenAt) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *nonceCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*nonceEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
