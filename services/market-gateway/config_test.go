package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
node:
  url: http://127.0.0.1:9000
  auth_token: node-token
api_keys:
  - key: merchant-a
    secret: topsecret
admin:
  jwt_secret: signing-secret
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8646" {
		t.Fatalf("unexpected listen default %s", cfg.ListenAddress)
	}
	if cfg.Auth.TimestampSkew.Duration != 2*time.Minute {
		t.Fatalf("unexpected skew default %v", cfg.Auth.TimestampSkew.Duration)
	}
	if cfg.Auth.NonceTTL.Duration != 10*time.Minute {
		t.Fatalf("unexpected nonce ttl default %v", cfg.Auth.NonceTTL.Duration)
	}
	if cfg.Watcher.PollInterval.Duration != 5*time.Second {
		t.Fatalf("unexpected poll interval default %v", cfg.Watcher.PollInterval.Duration)
	}
	if cfg.Webhooks.QueueCapacity != 1024 || cfg.Webhooks.TTL.Duration != 15*time.Minute {
		t.Fatalf("unexpected webhook defaults %+v", cfg.Webhooks)
	}
	if cfg.Recon.Timezone != "UTC" {
		t.Fatalf("unexpected recon timezone %s", cfg.Recon.Timezone)
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := writeConfigFile(t, `
listen: ":9990"
node:
  url: http://127.0.0.1:9000
  auth_token: node-token
api_keys:
  - key: merchant-a
    secret: topsecret
admin:
  jwt_secret: signing-secret
auth:
  timestamp_skew: 90s
  nonce_ttl: 5m
watcher:
  poll_interval: 250ms
  batch_size: 50
webhooks:
  ttl: 30m
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.TimestampSkew.Duration != 90*time.Second {
		t.Fatalf("unexpected skew %v", cfg.Auth.TimestampSkew.Duration)
	}
	if cfg.Auth.NonceTTL.Duration != 5*time.Minute {
		t.Fatalf("unexpected nonce ttl %v", cfg.Auth.NonceTTL.Duration)
	}
	if cfg.Watcher.PollInterval.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval %v", cfg.Watcher.PollInterval.Duration)
	}
	if cfg.Webhooks.TTL.Duration != 30*time.Minute {
		t.Fatalf("unexpected webhook ttl %v", cfg.Webhooks.TTL.Duration)
	}
}

func TestLoadConfigResolvesSecretsFromEnv(t *testing.T) {
	t.Setenv("MARKET_GATEWAY_NODE_TOKEN", "env-node-token")
	t.Setenv("MARKET_GATEWAY_KEY_SECRET", "env-key-secret")
	t.Setenv("MARKET_GATEWAY_JWT", "env-jwt-secret")
	path := writeConfigFile(t, `
node:
  url: http://127.0.0.1:9000
  auth_token_env: MARKET_GATEWAY_NODE_TOKEN
api_keys:
  - key: merchant-a
    secret_env: MARKET_GATEWAY_KEY_SECRET
admin:
  jwt_secret_env: MARKET_GATEWAY_JWT
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.AuthToken != "env-node-token" {
		t.Fatalf("unexpected node token %s", cfg.Node.AuthToken)
	}
	if cfg.APIKeys[0].Secret != "env-key-secret" {
		t.Fatalf("unexpected key secret %s", cfg.APIKeys[0].Secret)
	}
	if cfg.Admin.JWTSecret != "env-jwt-secret" {
		t.Fatalf("unexpected jwt secret %s", cfg.Admin.JWTSecret)
	}
}

func TestLoadConfigRejectsMissingAPIKeys(t *testing.T) {
	path := writeConfigFile(t, `
node:
  url: http://127.0.0.1:9000
  auth_token: node-token
admin:
  jwt_secret: signing-secret
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing api keys")
	}
}

func TestLoadConfigRejectsMissingNodeToken(t *testing.T) {
	path := writeConfigFile(t, `
node:
  url: http://127.0.0.1:9000
api_keys:
  - key: merchant-a
    secret: topsecret
admin:
  jwt_secret: signing-secret
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing node auth token")
	}
}

func TestLoadConfigRejectsOversizedBatch(t *testing.T) {
	path := writeConfigFile(t, `
node:
  url: http://127.0.0.1:9000
  auth_token: node-token
api_keys:
  - key: merchant-a
    secret: topsecret
admin:
  jwt_secret: signing-secret
watcher:
  batch_size: 5000
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for oversized watcher batch")
	}
}
