package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics bundles collectors tracking engine operation outcomes at the
// node layer, independent of which transport invoked them.
type MarketMetrics struct {
	operations     *prometheus.CounterVec
	listingsOpened *prometheus.CounterVec
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_operations_total",
				Help: "Count of market engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			listingsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_listings_opened_total",
				Help: "Count of listings opened segmented by listing kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.listingsOpened,
		)
	})
	return marketRegistry
}

// ObserveOperation records the outcome of one engine operation.
func (m *MarketMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveListingOpened increments the opened-listing counter for the kind.
func (m *MarketMetrics) ObserveListingOpened(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.listingsOpened.WithLabelValues(kind).Inc()
}

// InitOperation warms the zero value for an operation so dashboards render
// series before the first call arrives.
func (m *MarketMetrics) InitOperation(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation, "success").Add(0)
	m.operations.WithLabelValues(operation, "error").Add(0)
}
