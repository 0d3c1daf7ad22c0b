package config

// Pauses captures the operator switches that disable market mutations while
// leaving reads available.
type Pauses struct {
	Market bool `toml:"Market"`
}

// Quota bounds per-address market mutations inside an epoch. All-zero values
// disable enforcement.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxVolumePerEpoch   uint64 `toml:"MaxVolumePerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// Global bundles the runtime policy knobs applied when the node boots.
type Global struct {
	Pauses Pauses `toml:"pauses"`
	Quota  Quota  `toml:"quota"`
}

// Telemetry configures the OTLP exporters. Headers uses the standard
// comma-separated key=value form.
type Telemetry struct {
	Enabled     bool    `toml:"Enabled"`
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// Logging configures the structured log output. A populated File routes logs
// through a size-capped rotating writer instead of stdout.
type Logging struct {
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}
