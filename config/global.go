package config

import (
	"marketd/native/common"
	"marketd/native/market"
	"marketd/observability/logging"
	"marketd/observability/otel"
)

// StaticPauses converts the configured pause switches into the view the
// market engine consults on every mutation.
func (g Global) StaticPauses() common.StaticPauses {
	pauses := common.StaticPauses{}
	if g.Pauses.Market {
		pauses[market.ModuleName] = true
	}
	return pauses
}

// MarketQuota converts the configured admission limits into the runtime quota
// enforced by the node.
func (g Global) MarketQuota() common.Quota {
	return common.Quota{
		MaxRequestsPerEpoch: g.Quota.MaxRequestsPerEpoch,
		MaxVolumePerEpoch:   g.Quota.MaxVolumePerEpoch,
		EpochSeconds:        g.Quota.EpochSeconds,
	}
}

// Options converts the logging block into the writer options applied at boot.
func (l Logging) Options() logging.Options {
	return logging.Options{
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// OTELConfig converts the telemetry block into the exporter configuration.
func (t Telemetry) OTELConfig(service, environment string) otel.Config {
	return otel.Config{
		ServiceName: service,
		Environment: environment,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		Headers:     otel.ParseHeaders(t.Headers),
		Metrics:     t.Metrics,
		Traces:      t.Traces,
		SampleRatio: t.SampleRatio,
	}
}
