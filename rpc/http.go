package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketd/core"
	"marketd/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	defaultMutationsPerMinute = 60
	rateLimiterStaleAfter     = 10 * time.Minute
	rateLimiterMaxEntries     = 4096
	maxForwardedForAddrs      = 16

	defaultReadHeaderTimeout = 5 * time.Second

	metricsModule = "market"
)

// AuthTokenEnv names the environment variable consulted for the bearer token
// when ServerConfig does not carry one.
const AuthTokenEnv = "MARKETD_RPC_TOKEN"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ServerConfig carries the operator-tunable knobs for the JSON-RPC listener.
type ServerConfig struct {
	// AuthToken guards mutating methods. When empty the MARKETD_RPC_TOKEN
	// environment variable is consulted; with neither set every mutating
	// call is refused.
	AuthToken string
	// TrustProxyHeaders honours X-Forwarded-For from any peer. Prefer
	// TrustedProxies in deployments with a known proxy fleet.
	TrustProxyHeaders bool
	// TrustedProxies lists proxy addresses whose forwarded headers are
	// honoured when resolving the client source.
	TrustedProxies []string
	// AllowInsecure permits serving plaintext HTTP, restricted to loopback
	// listeners so production traffic always rides TLS.
	AllowInsecure bool
	TLSCertFile   string
	TLSKeyFile    string
	// MutationsPerMinute bounds authenticated mutating calls per client
	// source. Zero selects the default budget.
	MutationsPerMinute int
	ReadHeaderTimeout  time.Duration
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server exposes node operations over JSON-RPC 2.0 on "/" and a streaming
// event feed on "/ws/events".
type Server struct {
	node *core.Node

	authToken      string
	trustForwarded bool
	trustedProxies map[string]struct{}
	mutationLimit  rate.Limit
	mutationBurst  int
	allowInsecure  bool
	tlsCertFile    string
	tlsKeyFile     string
	headerTimeout  time.Duration

	mu           sync.Mutex
	rateLimiters map[string]*sourceLimiter

	serverMu   sync.Mutex
	httpServer *http.Server
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(AuthTokenEnv))
	}
	perMinute := cfg.MutationsPerMinute
	if perMinute <= 0 {
		perMinute = defaultMutationsPerMinute
	}
	headerTimeout := cfg.ReadHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = defaultReadHeaderTimeout
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if trimmed := strings.TrimSpace(proxy); trimmed != "" {
			trusted[trimmed] = struct{}{}
		}
	}
	return &Server{
		node:           node,
		authToken:      token,
		trustForwarded: cfg.TrustProxyHeaders,
		trustedProxies: trusted,
		mutationLimit:  rate.Limit(float64(perMinute) / 60),
		mutationBurst:  perMinute,
		allowInsecure:  cfg.AllowInsecure,
		tlsCertFile:    strings.TrimSpace(cfg.TLSCertFile),
		tlsKeyFile:     strings.TrimSpace(cfg.TLSKeyFile),
		headerTimeout:  headerTimeout,
		rateLimiters:   make(map[string]*sourceLimiter),
	}
}

// Handler returns the routing handler so callers can mount the RPC surface on
// their own listener or test server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleMarketEventsWS)
	return mux
}

// Serve accepts connections on the supplied listener. Plaintext serving is
// refused unless AllowInsecure is set, and even then only on loopback
// addresses.
func (s *Server) Serve(listener net.Listener) error {
	useTLS := s.tlsCertFile != "" && s.tlsKeyFile != ""
	if !useTLS {
		if !s.allowInsecure {
			return fmt.Errorf("rpc: TLS is required; set TLSCertFile and TLSKeyFile or enable AllowInsecure for local use")
		}
		if !listenerOnLoopback(listener) {
			return fmt.Errorf("rpc: plaintext listeners are restricted to loopback interfaces")
		}
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.headerTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	if useTLS {
		return srv.ServeTLS(listener, s.tlsCertFile, s.tlsKeyFile)
	}
	return srv.Serve(listener)
}

// Start listens on addr and serves until the listener fails or Shutdown is
// called.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func listenerOnLoopback(listener net.Listener) bool {
	if listener == nil {
		return false
	}
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcpAddr.IP.IsLoopback()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = recorder

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	defer func() {
		observability.ModuleMetrics().Observe(metricsModule, req.Method, recorder.status, time.Since(start))
	}()

	switch req.Method {
	case "market_create":
		if !s.admitMutation(w, r, req) {
			return
		}
		s.handleMarketCreate(w, r, req)
	case "market_buy":
		if !s.admitMutation(w, r, req) {
			return
		}
		s.handleMarketBuy(w, r, req)
	case "market_cancel":
		if !s.admitMutation(w, r, req) {
			return
		}
		s.handleMarketCancel(w, r, req)
	case "market_reclaim":
		if !s.admitMutation(w, r, req) {
			return
		}
		s.handleMarketReclaim(w, r, req)
	case "market_getListing":
		s.handleMarketGetListing(w, r, req)
	case "market_listingsBySeller":
		s.handleMarketListingsBySeller(w, r, req)
	case "market_listingByAsset":
		s.handleMarketListingByAsset(w, r, req)
	case "market_custodyBalance":
		s.handleMarketCustodyBalance(w, r, req)
	case "market_events":
		s.handleMarketEvents(w, r, req)
	case "token_getBalance":
		s.handleTokenGetBalance(w, r, req)
	case "token_getMetadata":
		s.handleTokenGetMetadata(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// admitMutation runs the bearer-token and rate-limit gate shared by every
// mutating method. It writes the refusal itself and reports whether the
// handler may proceed.
func (s *Server) admitMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	source := s.clientSource(r)
	if !s.allowSource(source, time.Now()) {
		observability.ModuleMetrics().RecordThrottle(metricsModule, "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "mutation rate limit exceeded", source)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// allowSource admits one mutating call for the source against its token
// bucket, creating the bucket on first sight. Stale buckets are evicted so
// the map cannot grow without bound.
func (s *Server) allowSource(source string, now time.Time) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.rateLimiters {
		if now.Sub(entry.lastSeen) > rateLimiterStaleAfter {
			delete(s.rateLimiters, key)
		}
	}
	entry, ok := s.rateLimiters[source]
	if !ok {
		if len(s.rateLimiters) >= rateLimiterMaxEntries {
			s.evictOldestLimiterLocked()
		}
		entry = &sourceLimiter{limiter: rate.NewLimiter(s.mutationLimit, s.mutationBurst)}
		s.rateLimiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (s *Server) evictOldestLimiterLocked() {
	var oldestKey string
	var oldestSeen time.Time
	first := true
	for key, entry := range s.rateLimiters {
		if first || entry.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = entry.lastSeen
			first = false
		}
	}
	if !first {
		delete(s.rateLimiters, oldestKey)
	}
}

// clientSource resolves the address used for rate-limit accounting. Forwarded
// headers are honoured only when the immediate peer is a trusted proxy, so an
// untrusted client cannot mint fresh limiter buckets by spoofing them.
func (s *Server) clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if !s.forwardedTrusted(host) {
		return host
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return host
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > maxForwardedForAddrs {
		return host
	}
	for _, part := range parts {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		if canonical, _, splitErr := net.SplitHostPort(candidate); splitErr == nil {
			return canonical
		}
		return candidate
	}
	return host
}

func (s *Server) forwardedTrusted(peer string) bool {
	if s.trustForwarded {
		return true
	}
	_, ok := s.trustedProxies[peer]
	return ok
}
