package config

import (
	"fmt"
	"strings"
)

// ValidateConfig rejects configurations the daemon could not boot with.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if strings.TrimSpace(cfg.PaymentToken) == "" {
		return fmt.Errorf("config: PaymentToken must not be empty")
	}
	if cfg.RPCMutationsPerMinute < 0 {
		return fmt.Errorf("config: RPCMutationsPerMinute must not be negative")
	}
	if cfg.RPCReadHeaderTimeout < 0 {
		return fmt.Errorf("config: RPCReadHeaderTimeout must not be negative")
	}
	if (cfg.RPCTLSCertFile == "") != (cfg.RPCTLSKeyFile == "") {
		return fmt.Errorf("config: RPCTLSCertFile and RPCTLSKeyFile must be set together")
	}

	q := cfg.Global.Quota
	if (q.MaxRequestsPerEpoch > 0 || q.MaxVolumePerEpoch > 0) && q.EpochSeconds == 0 {
		return fmt.Errorf("config: quota: EpochSeconds required when limits are set")
	}

	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry: SampleRatio must be within [0, 1]")
	}

	l := cfg.Logging
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("config: logging: rotation limits must not be negative")
	}

	return nil
}
