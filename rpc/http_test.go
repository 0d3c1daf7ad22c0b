package rpc

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientSourceIgnoresForwardedForWhenNotTrusted(t *testing.T) {
	server := NewServer(nil, ServerConfig{})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	if source := server.clientSource(req); source != "10.0.0.5" {
		t.Fatalf("expected remote address, got %q", source)
	}
}

func TestClientSourceHonorsForwardedForFromTrustedProxy(t *testing.T) {
	server := NewServer(nil, ServerConfig{TrustedProxies: []string{"10.0.0.1"}})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	if source := server.clientSource(req); source != "198.51.100.7" {
		t.Fatalf("expected forwarded client, got %q", source)
	}
}

func TestClientSourceHonorsForwardedForWhenTrustFlagEnabled(t *testing.T) {
	server := NewServer(nil, ServerConfig{TrustProxyHeaders: true})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.10:7000"
	req.Header.Set("X-Forwarded-For", "198.51.100.8")

	if source := server.clientSource(req); source != "198.51.100.8" {
		t.Fatalf("expected forwarded client, got %q", source)
	}
}

func TestClientSourceCanonicalizesForwardedFor(t *testing.T) {
	server := NewServer(nil, ServerConfig{TrustedProxies: []string{"10.0.0.1"}})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:8000"
	req.Header.Set("X-Forwarded-For", " 198.51.100.9:443 ")

	if source := server.clientSource(req); source != "198.51.100.9" {
		t.Fatalf("expected canonical forwarded client, got %q", source)
	}
}

func TestClientSourceCapsForwardedForChain(t *testing.T) {
	server := NewServer(nil, ServerConfig{TrustedProxies: []string{"10.0.0.1"}})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:8000"
	parts := make([]string, maxForwardedForAddrs+1)
	for i := range parts {
		parts[i] = " "
	}
	parts[len(parts)-1] = "198.51.100.10"
	req.Header.Set("X-Forwarded-For", strings.Join(parts, ","))

	if source := server.clientSource(req); source != "10.0.0.1" {
		t.Fatalf("expected proxy address fallback when forwarded chain exceeds limit, got %q", source)
	}
}

func TestServerServeRejectsPlaintextWithoutAllowInsecure(t *testing.T) {
	server := NewServer(nil, ServerConfig{})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	if err := server.Serve(listener); err == nil || !strings.Contains(err.Error(), "TLS is required") {
		t.Fatalf("expected TLS requirement error, got %v", err)
	}
}

func TestServerServeAllowsPlaintextOnLoopbackWhenExplicit(t *testing.T) {
	server := NewServer(nil, ServerConfig{AllowInsecure: true})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		server.serverMu.Lock()
		ready := server.httpServer != nil
		server.serverMu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start listening before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := listener.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	if err := <-serveErr; err != nil && err != http.ErrServerClosed && !strings.Contains(err.Error(), "use of closed") {
		t.Fatalf("serve returned unexpected error: %v", err)
	}
}

func TestServerServeRejectsPlaintextOnNonLoopback(t *testing.T) {
	server := NewServer(nil, ServerConfig{AllowInsecure: true})
	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	if err := server.Serve(listener); err == nil || !strings.Contains(err.Error(), "loopback") {
		t.Fatalf("expected loopback restriction error, got %v", err)
	}
}

func TestRateLimiterBudgetExhausts(t *testing.T) {
	server := NewServer(nil, ServerConfig{MutationsPerMinute: 2})
	now := time.Now()

	if !server.allowSource("198.51.100.20", now) {
		t.Fatalf("first call should be admitted")
	}
	if !server.allowSource("198.51.100.20", now) {
		t.Fatalf("second call should be admitted")
	}
	if server.allowSource("198.51.100.20", now) {
		t.Fatalf("third call should exceed the budget")
	}
	if !server.allowSource("198.51.100.21", now) {
		t.Fatalf("distinct source should carry its own budget")
	}
}

func TestRateLimiterNormalizesSources(t *testing.T) {
	server := NewServer(nil, ServerConfig{})
	now := time.Now()

	if !server.allowSource(" 198.51.100.11 ", now) {
		t.Fatalf("expected first request to be allowed")
	}
	if !server.allowSource("198.51.100.11", now) {
		t.Fatalf("expected normalized source to use same limiter")
	}
	server.mu.Lock()
	limiterCount := len(server.rateLimiters)
	server.mu.Unlock()
	if limiterCount != 1 {
		t.Fatalf("expected a single limiter entry, got %d", limiterCount)
	}
}

func TestRateLimiterEvictsStaleEntries(t *testing.T) {
	server := NewServer(nil, ServerConfig{})
	now := time.Now()
	staleTime := now.Add(-rateLimiterStaleAfter - time.Second)

	for i := 0; i < 3; i++ {
		source := fmt.Sprintf("198.51.100.%d", i)
		if !server.allowSource(source, staleTime) {
			t.Fatalf("expected stale source %d to be tracked", i)
		}
	}
	server.mu.Lock()
	if len(server.rateLimiters) != 3 {
		server.mu.Unlock()
		t.Fatalf("expected three limiter entries before eviction, got %d", len(server.rateLimiters))
	}
	server.mu.Unlock()

	if !server.allowSource("new-source", now) {
		t.Fatalf("expected request from new source to be allowed")
	}

	server.mu.Lock()
	if len(server.rateLimiters) != 1 {
		t.Fatalf("expected stale limiters to be evicted, got %d entries", len(server.rateLimiters))
	}
	if _, ok := server.rateLimiters["new-source"]; !ok {
		t.Fatalf("expected new source limiter to remain")
	}
	server.mu.Unlock()
}

func TestRateLimiterEvictsOldestWhenCapacityExceeded(t *testing.T) {
	server := NewServer(nil, ServerConfig{})
	now := time.Now()

	for i := 0; i < rateLimiterMaxEntries; i++ {
		source := fmt.Sprintf("client-%d", i)
		if !server.allowSource(source, now) {
			t.Fatalf("expected initial requests to be allowed")
		}
	}

	if !server.allowSource("extra-client", now) {
		t.Fatalf("expected extra client to be allowed after eviction")
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.rateLimiters) != rateLimiterMaxEntries {
		t.Fatalf("expected limiter map to cap at %d entries, got %d", rateLimiterMaxEntries, len(server.rateLimiters))
	}
	if _, ok := server.rateLimiters["extra-client"]; !ok {
		t.Fatalf("expected extra client limiter to be stored")
	}
	evictedInitial := false
	for i := 0; i < rateLimiterMaxEntries; i++ {
		if _, ok := server.rateLimiters[fmt.Sprintf("client-%d", i)]; !ok {
			evictedInitial = true
			break
		}
	}
	if !evictedInitial {
		t.Fatalf("expected one of the original limiters to be evicted")
	}
}
