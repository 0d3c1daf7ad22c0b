package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultAuthTokenEnv is the environment variable consulted for the RPC
// bearer token when neither an inline token nor a token file is configured.
const DefaultAuthTokenEnv = "MARKETD_RPC_TOKEN"

const authTokenBytes = 32

type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	GenesisFile    string `toml:"GenesisFile"`
	PaymentToken   string `toml:"PaymentToken"`
	NetworkName    string `toml:"NetworkName"`

	RPCAuthToken          string   `toml:"RPCAuthToken,omitempty"`
	RPCAuthTokenFile      string   `toml:"RPCAuthTokenFile"`
	RPCAuthTokenEnv       string   `toml:"RPCAuthTokenEnv,omitempty"`
	RPCTrustedProxies     []string `toml:"RPCTrustedProxies"`
	RPCTrustProxyHeaders  bool     `toml:"RPCTrustProxyHeaders"`
	RPCReadHeaderTimeout  int      `toml:"RPCReadHeaderTimeout"`
	RPCTLSCertFile        string   `toml:"RPCTLSCertFile"`
	RPCTLSKeyFile         string   `toml:"RPCTLSKeyFile"`
	RPCAllowInsecure      bool     `toml:"RPCAllowInsecure"`
	RPCMutationsPerMinute int      `toml:"RPCMutationsPerMinute"`

	Global    Global    `toml:"global"`
	Telemetry Telemetry `toml:"telemetry"`
	Logging   Logging   `toml:"logging"`
}

// Load reads the configuration at path, creating a default file (with a fresh
// RPC auth token) when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.RPCAuthToken == "" && cfg.RPCAuthTokenEnv == "" {
		if err := ensureAuthToken(path, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":2112"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./market-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "market-local"
	}
	cfg.PaymentToken = strings.ToUpper(strings.TrimSpace(cfg.PaymentToken))
	if cfg.PaymentToken == "" {
		cfg.PaymentToken = "USDM"
	}
	if cfg.RPCTrustedProxies == nil {
		cfg.RPCTrustedProxies = []string{}
	}
}

// ensureAuthToken materialises the RPC token file referenced by the config,
// generating a fresh token on first boot and persisting the chosen path.
func ensureAuthToken(configPath string, cfg *Config) error {
	tokenPath := cfg.RPCAuthTokenFile
	if tokenPath == "" {
		tokenPath = defaultTokenPath(configPath)
	}

	if _, err := os.Stat(tokenPath); os.IsNotExist(err) {
		if err := writeAuthToken(tokenPath); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.RPCAuthTokenFile != tokenPath {
		cfg.RPCAuthTokenFile = tokenPath
		return persist(configPath, cfg)
	}

	return nil
}

// ResolveAuthToken returns the RPC bearer token: the inline value wins, then
// the token file, then the configured (or default) environment variable.
func (c *Config) ResolveAuthToken() (string, error) {
	if token := strings.TrimSpace(c.RPCAuthToken); token != "" {
		return token, nil
	}
	if path := strings.TrimSpace(c.RPCAuthTokenFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read auth token file: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("auth token file %s is empty", path)
		}
		return token, nil
	}
	env := strings.TrimSpace(c.RPCAuthTokenEnv)
	if env == "" {
		env = DefaultAuthTokenEnv
	}
	return strings.TrimSpace(os.Getenv(env)), nil
}

// createDefault creates and saves a default configuration file alongside a
// generated RPC token file.
func createDefault(path string) (*Config, error) {
	tokenPath := defaultTokenPath(path)
	if err := writeAuthToken(tokenPath); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:       ":8645",
		MetricsAddress:   ":2112",
		DataDir:          "./market-data",
		GenesisFile:      "",
		PaymentToken:     "USDM",
		NetworkName:      "market-local",
		RPCAuthTokenFile: tokenPath,
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func writeAuthToken(path string) error {
	buf := make([]byte, authTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate auth token: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(buf)+"\n"), 0o600)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultTokenPath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "rpc.token")
}
