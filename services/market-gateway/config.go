package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the market gateway.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	Environment   string          `yaml:"environment"`
	Node          NodeConfig      `yaml:"node"`
	APIKeys       []APIKeyConfig  `yaml:"api_keys"`
	Auth          AuthConfig      `yaml:"auth"`
	Admin         AdminConfig     `yaml:"admin"`
	Watcher       WatcherConfig   `yaml:"watcher"`
	Webhooks      WebhookConfig   `yaml:"webhooks"`
	Recon         ReconConfig     `yaml:"recon"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// NodeConfig points the gateway at the market node RPC endpoint.
type NodeConfig struct {
	URL           string `yaml:"url"`
	AuthToken     string `yaml:"auth_token"`
	AuthTokenFile string `yaml:"auth_token_file"`
	AuthTokenEnv  string `yaml:"auth_token_env"`
}

// APIKeyConfig pairs a merchant API key with its signing secret.
type APIKeyConfig struct {
	Key       string `yaml:"key"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
}

// AuthConfig tunes the HMAC request authenticator.
type AuthConfig struct {
	TimestampSkew Duration `yaml:"timestamp_skew"`
	NonceTTL      Duration `yaml:"nonce_ttl"`
	NonceCapacity int      `yaml:"nonce_capacity"`
}

// AdminConfig captures JWT verification settings for the admin API.
type AdminConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretFile string `yaml:"jwt_secret_file"`
	JWTSecretEnv  string `yaml:"jwt_secret_env"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

// WatcherConfig controls the node event poller.
type WatcherConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
}

// WebhookConfig bounds the outbound delivery queue.
type WebhookConfig struct {
	QueueCapacity      int      `yaml:"queue_capacity"`
	HistoryCapacity    int      `yaml:"history_capacity"`
	TTL                Duration `yaml:"ttl"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// ReconConfig controls the daily settlement report exporter.
type ReconConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	Timezone  string `yaml:"timezone"`
}

// TelemetryConfig enables OTLP trace and metric export for the gateway.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig selects the structured log destination.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Node.normalise(); err != nil {
		return cfg, fmt.Errorf("node auth: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin auth: %w", err)
	}
	if err := normaliseAPIKeys(cfg.APIKeys); err != nil {
		return cfg, fmt.Errorf("api keys: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8646"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "market-gateway.db"
	}
	if cfg.Node.URL == "" {
		cfg.Node.URL = "http://127.0.0.1:8645"
	}
	if cfg.Auth.TimestampSkew.Duration == 0 {
		cfg.Auth.TimestampSkew.Duration = 2 * time.Minute
	}
	if cfg.Auth.NonceTTL.Duration == 0 {
		cfg.Auth.NonceTTL.Duration = 10 * time.Minute
	}
	if cfg.Auth.NonceCapacity <= 0 {
		cfg.Auth.NonceCapacity = 4096
	}
	if cfg.Watcher.PollInterval.Duration == 0 {
		cfg.Watcher.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Watcher.BatchSize <= 0 {
		cfg.Watcher.BatchSize = 100
	}
	if cfg.Webhooks.QueueCapacity <= 0 {
		cfg.Webhooks.QueueCapacity = 1024
	}
	if cfg.Webhooks.HistoryCapacity <= 0 {
		cfg.Webhooks.HistoryCapacity = 256
	}
	if cfg.Webhooks.TTL.Duration == 0 {
		cfg.Webhooks.TTL.Duration = 15 * time.Minute
	}
	if cfg.Webhooks.RateLimitPerMinute <= 0 {
		cfg.Webhooks.RateLimitPerMinute = 60
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "market-gateway-recon"
	}
	if cfg.Recon.Timezone == "" {
		cfg.Recon.Timezone = "UTC"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address must be configured")
	}
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return fmt.Errorf("node url must be configured")
	}
	if len(cfg.APIKeys) == 0 {
		return fmt.Errorf("at least one api key must be configured")
	}
	for i, key := range cfg.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			return fmt.Errorf("api_keys[%d]: key is required", i)
		}
		if key.Secret == "" {
			return fmt.Errorf("api_keys[%d]: secret is required", i)
		}
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin jwt secret must be configured")
	}
	if cfg.Watcher.BatchSize > 500 {
		return fmt.Errorf("watcher batch_size must not exceed 500")
	}
	if _, err := time.LoadLocation(cfg.Recon.Timezone); err != nil {
		return fmt.Errorf("recon timezone: %w", err)
	}
	return nil
}

func (n *NodeConfig) normalise() error {
	if n == nil {
		return fmt.Errorf("node configuration missing")
	}
	n.AuthToken = strings.TrimSpace(n.AuthToken)
	n.AuthTokenEnv = strings.TrimSpace(n.AuthTokenEnv)
	n.AuthTokenFile = strings.TrimSpace(n.AuthTokenFile)
	if n.AuthToken != "" {
		return nil
	}
	switch {
	case n.AuthTokenEnv != "":
		value := strings.TrimSpace(os.Getenv(n.AuthTokenEnv))
		if value == "" {
			return fmt.Errorf("auth_token_env %s is empty", n.AuthTokenEnv)
		}
		n.AuthToken = value
	case n.AuthTokenFile != "":
		contents, err := os.ReadFile(n.AuthTokenFile)
		if err != nil {
			return fmt.Errorf("read auth_token_file: %w", err)
		}
		n.AuthToken = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("auth_token is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	secret := strings.TrimSpace(a.JWTSecret)
	if env := strings.TrimSpace(a.JWTSecretEnv); secret == "" && env != "" {
		secret = strings.TrimSpace(os.Getenv(env))
		if secret == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", env)
		}
	}
	if path := strings.TrimSpace(a.JWTSecretFile); secret == "" && path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.JWTSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

func normaliseAPIKeys(keys []APIKeyConfig) error {
	for i := range keys {
		keys[i].Key = strings.TrimSpace(keys[i].Key)
		if keys[i].Secret != "" {
			continue
		}
		env := strings.TrimSpace(keys[i].SecretEnv)
		if env == "" {
			continue
		}
		value := os.Getenv(env)
		if value == "" {
			return fmt.Errorf("secret_env %s is empty for key %s", env, keys[i].Key)
		}
		keys[i].Secret = value
	}
	return nil
}
