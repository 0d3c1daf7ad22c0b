package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketd/observability"
)

const (
	maxRequestBody = 1 << 20

	nodeCreateTimeout = 15 * time.Second
	nodeCallTimeout   = 10 * time.Second
)

// Server exposes the merchant REST surface in front of the market node.
type Server struct {
	auth     *Authenticator
	admin    *jwtVerifier
	node     NodeClient
	store    *SQLiteStore
	queue    *WebhookQueue
	reporter *SettlementReporter
	logger   *slog.Logger
	nowFn    func() time.Time
	router   http.Handler
}

// NewServer wires the gateway dependencies into a routed HTTP handler.
func NewServer(auth *Authenticator, admin *jwtVerifier, node NodeClient, store *SQLiteStore, queue *WebhookQueue, reporter *SettlementReporter) *Server {
	s := &Server{
		auth:     auth,
		admin:    admin,
		node:     node,
		store:    store,
		queue:    queue,
		reporter: reporter,
		logger:   slog.Default(),
		nowFn:    time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/market", func(market chi.Router) {
		market.Post("/listings", s.handleCreateListing)
		market.Post("/listings/{id}/buy", s.handleBuyListing)
		market.Post("/listings/{id}/cancel", s.handleCancelListing)
		market.Post("/listings/{id}/reclaim", s.handleReclaimListing)
		market.Get("/listings/{id}", s.handleGetListing)
		market.Get("/sellers/{address}/listings", s.handleListingsBySeller)
		market.Get("/assets/{asset}/listing", s.handleListingByAsset)
		market.Get("/balances/{address}/{token}", s.handleBalance)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.admin.Authenticate)
		admin.With(RequireRole(RoleAdmin)).Post("/webhooks", s.handleCreateWebhook)
		admin.With(RequireRole(RoleAdmin, RoleAuditor)).Get("/webhooks", s.handleListWebhooks)
		admin.With(RequireRole(RoleAdmin)).Delete("/webhooks/{id}", s.handleDeactivateWebhook)
		admin.With(RequireRole(RoleAdmin, RoleAuditor)).Get("/audit", s.handleAuditLog)
		admin.With(RequireRole(RoleAdmin)).Post("/recon/run", s.handleReconRun)
	})

	return r
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.Gateway().ObserveHTTPRequest(route, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mutationContext carries the bookkeeping shared by authenticated mutations.
type mutationContext struct {
	apiKey      string
	idemKey     string
	requestHash string
	body        []byte
}

// beginMutation reads the body, authenticates the caller, and resolves the
// idempotency key. A non-nil response means the request was already answered
// (error or cached replay).
func (s *Server) beginMutation(w http.ResponseWriter, r *http.Request) (*mutationContext, bool) {
	body, err := readRequestBody(r)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	apiKey, err := s.auth.Authenticate(r, body)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication failed")
		return nil, false
	}
	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if idemKey == "" {
		writeJSONError(w, http.StatusBadRequest, "Idempotency-Key header required")
		return nil, false
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, err := s.store.LookupIdempotency(r.Context(), apiKey, idemKey, requestHash)
	if err != nil {
		if errors.Is(err, ErrIdempotencyMismatch) {
			writeJSONError(w, http.StatusConflict, "idempotency key already used with a different request")
			return nil, false
		}
		writeJSONError(w, http.StatusInternalServerError, "idempotency lookup failed")
		return nil, false
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		w.Write(cached.Response)
		return nil, false
	}
	return &mutationContext{apiKey: apiKey, idemKey: idemKey, requestHash: requestHash, body: body}, true
}

// finishMutation persists the idempotent response, audits it, and writes it.
func (s *Server) finishMutation(w http.ResponseWriter, r *http.Request, mc *mutationContext, status int, payload interface{}) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encode response")
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), mc.apiKey, mc.idemKey, mc.requestHash, status, encoded); err != nil {
		s.logger.Error("save idempotency", "error", err)
	}
	s.audit(r, mc.apiKey, status, encoded)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(encoded)
}

// failMutation audits and reports a mutation error without caching it, so the
// caller may retry with the same idempotency key.
func (s *Server) failMutation(w http.ResponseWriter, r *http.Request, mc *mutationContext, status int, message string) {
	s.audit(r, mc.apiKey, status, []byte(message))
	writeJSONError(w, status, message)
}

func (s *Server) audit(r *http.Request, apiKey string, status int, payload []byte) {
	err := s.store.InsertAuditLog(r.Context(), AuditEntry{
		APIKey:    apiKey,
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		Payload:   payload,
		CreatedAt: s.nowFn().UTC(),
	})
	if err != nil {
		s.logger.Error("insert audit log", "error", err)
	}
}

type createListingBody struct {
	Seller   string `json:"seller"`
	Asset    string `json:"asset"`
	Kind     string `json:"kind"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	Window   int64  `json:"window,omitempty"`
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	mc, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	var body createListingBody
	if err := json.Unmarshal(mc.body, &body); err != nil {
		s.failMutation(w, r, mc, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if body.Seller == "" || body.Asset == "" || body.Kind == "" || body.Quantity == "" || body.Price == "" {
		s.failMutation(w, r, mc, http.StatusBadRequest, "seller, asset, kind, quantity, and price are required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCreateTimeout)
	defer cancel()
	listing, err := s.node.CreateListing(ctx, CreateListingRequest{
		Seller:   body.Seller,
		Asset:    body.Asset,
		Kind:     body.Kind,
		Quantity: body.Quantity,
		Price:    body.Price,
		Window:   body.Window,
	})
	if err != nil {
		status, message := mapNodeError(err)
		s.failMutation(w, r, mc, status, message)
		return
	}
	s.finishMutation(w, r, mc, http.StatusCreated, listing)
}

type buyListingBody struct {
	Buyer    string `json:"buyer"`
	Quantity string `json:"quantity"`
	Payment  string `json:"payment"`
}

func (s *Server) handleBuyListing(w http.ResponseWriter, r *http.Request) {
	mc, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	id, err := listingID(r)
	if err != nil {
		s.failMutation(w, r, mc, http.StatusBadRequest, "invalid listing id")
		return
	}
	var body buyListingBody
	if err := json.Unmarshal(mc.body, &body); err != nil {
		s.failMutation(w, r, mc, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if body.Buyer == "" || body.Quantity == "" || body.Payment == "" {
		s.failMutation(w, r, mc, http.StatusBadRequest, "buyer, quantity, and payment are required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	receipt, err := s.node.BuyListing(ctx, BuyRequest{
		Buyer:    body.Buyer,
		ID:       id,
		Quantity: body.Quantity,
		Payment:  body.Payment,
	})
	if err != nil {
		status, message := mapNodeError(err)
		s.failMutation(w, r, mc, status, message)
		return
	}
	s.finishMutation(w, r, mc, http.StatusOK, receipt)
}

type callerBody struct {
	Caller string `json:"caller"`
}

func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	s.handleListingAction(w, r, func(ctx context.Context, caller string, id uint64) error {
		return s.node.CancelListing(ctx, caller, id)
	})
}

func (s *Server) handleReclaimListing(w http.ResponseWriter, r *http.Request) {
	s.handleListingAction(w, r, func(ctx context.Context, caller string, id uint64) error {
		return s.node.ReclaimListing(ctx, caller, id)
	})
}

func (s *Server) handleListingAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string, uint64) error) {
	mc, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	id, err := listingID(r)
	if err != nil {
		s.failMutation(w, r, mc, http.StatusBadRequest, "invalid listing id")
		return
	}
	var body callerBody
	if err := json.Unmarshal(mc.body, &body); err != nil {
		s.failMutation(w, r, mc, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if body.Caller == "" {
		s.failMutation(w, r, mc, http.StatusBadRequest, "caller is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	if err := action(ctx, body.Caller, id); err != nil {
		status, message := mapNodeError(err)
		s.failMutation(w, r, mc, status, message)
		return
	}
	s.finishMutation(w, r, mc, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, err := listingID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	listing, err := s.node.GetListing(ctx, id)
	if err != nil {
		status, message := mapNodeError(err)
		writeJSONError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleListingsBySeller(w http.ResponseWriter, r *http.Request) {
	seller := chi.URLParam(r, "address")
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	listings, err := s.node.ListingsBySeller(ctx, seller)
	if err != nil {
		status, message := mapNodeError(err)
		writeJSONError(w, status, message)
		return
	}
	if listings == nil {
		listings = []Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) handleListingByAsset(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	listing, err := s.node.UnitListingByAsset(ctx, asset)
	if err != nil {
		status, message := mapNodeError(err)
		writeJSONError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	token := chi.URLParam(r, "token")
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	balance, err := s.node.TokenBalance(ctx, address, token)
	if err != nil {
		status, message := mapNodeError(err)
		writeJSONError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

type createWebhookBody struct {
	APIKey    string `json:"apiKey,omitempty"`
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req createWebhookBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	req.EventType = normalizeEventType(req.EventType)
	if req.EventType == "" || req.URL == "" || req.Secret == "" {
		writeJSONError(w, http.StatusBadRequest, "eventType, url, and secret are required")
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		writeJSONError(w, http.StatusBadRequest, "url must be http or https")
		return
	}
	sub := WebhookSubscription{
		APIKey:    req.APIKey,
		EventType: req.EventType,
		URL:       req.URL,
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	}
	id, err := s.store.InsertWebhook(r.Context(), sub)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store webhook")
		return
	}
	sub.ID = id
	claims, _ := adminFromContext(r.Context())
	s.auditAdmin(r, claims, http.StatusCreated, fmt.Sprintf("webhook %d created for %s", id, sub.EventType))
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list webhooks")
		return
	}
	if subs == nil {
		subs = []WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleDeactivateWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	if err := s.store.SetWebhookActive(r.Context(), id, false); err != nil {
		writeJSONError(w, http.StatusNotFound, "webhook not found")
		return
	}
	claims, _ := adminFromContext(r.Context())
	s.auditAdmin(r, claims, http.StatusOK, fmt.Sprintf("webhook %d deactivated", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	entries, err := s.store.ListAuditLog(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list audit log")
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type reconRunBody struct {
	Date string `json:"date,omitempty"`
}

func (s *Server) handleReconRun(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "settlement reports disabled")
		return
	}
	body, err := readRequestBody(r)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req reconRunBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}
	day := s.nowFn().UTC().AddDate(0, 0, -1)
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	result, err := s.reporter.Run(r.Context(), day)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "settlement report failed")
		return
	}
	claims, _ := adminFromContext(r.Context())
	s.auditAdmin(r, claims, http.StatusOK, fmt.Sprintf("settlement report for %s: %d rows", result.Day, result.Rows))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) auditAdmin(r *http.Request, claims *AdminClaims, status int, detail string) {
	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	err := s.store.InsertAuditLog(r.Context(), AuditEntry{
		APIKey:    subject,
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		Payload:   []byte(detail),
		CreatedAt: s.nowFn().UTC(),
	})
	if err != nil {
		s.logger.Error("insert admin audit log", "error", err)
	}
}

func listingID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBody {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte("\n"))
	sum.Write([]byte(path))
	sum.Write([]byte("\n"))
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// mapNodeError converts node RPC failures into gateway HTTP statuses. Unknown
// failures surface as 502 so callers can distinguish gateway bugs from node
// unavailability.
func mapNodeError(err error) (int, string) {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return http.StatusBadGateway, "node unavailable"
	}
	message := nodeErr.Message
	if nodeErr.Data != "" {
		message = nodeErr.Data
	}
	switch nodeErr.Code {
	case -32041:
		return http.StatusBadRequest, message
	case -32042:
		return http.StatusNotFound, message
	case -32043:
		return http.StatusForbidden, message
	case -32044:
		return http.StatusConflict, message
	case -32046:
		return http.StatusServiceUnavailable, message
	case -32020:
		return http.StatusTooManyRequests, message
	default:
		return http.StatusBadGateway, message
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sanitized := strings.ReplaceAll(message, `"`, "'")
	fmt.Fprintf(w, `{"error":%q}`, sanitized)
}
