package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	marketEvents     *prometheus.CounterVec
	settlementVolume *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured market events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			marketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of emitted market events segmented by type and asset.",
			}, []string{"type", "asset"}),
			settlementVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "events",
				Name:      "settlement_volume",
				Help:      "Cumulative settled payment volume in payment base units, per asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(eventRegistry.marketEvents, eventRegistry.settlementVolume)
	})
	return eventRegistry
}

// RecordMarketEvent increments the event counter for the type and asset.
func (m *eventMetrics) RecordMarketEvent(eventType, asset string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.marketEvents.WithLabelValues(normalized, labelAsset(asset)).Inc()
}

// RecordSettlement adds a settled payment to the per-asset volume counter.
func (m *eventMetrics) RecordSettlement(asset string, payment *big.Int) {
	if m == nil || payment == nil || payment.Sign() <= 0 {
		return
	}
	m.settlementVolume.WithLabelValues(labelAsset(asset)).Add(bigToFloat(payment))
}
