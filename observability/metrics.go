package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "market",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// GatewayMetrics captures collectors tracking market-gateway health.
type GatewayMetrics struct {
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
	webhookDeliveries *prometheus.CounterVec
	webhookQueueDepth prometheus.Gauge
	reconExports      *prometheus.CounterVec
	nodeCalls         *prometheus.CounterVec
	watcherSequence   prometheus.Gauge
}

// Gateway exposes the metrics registry for the market-gateway service.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests handled by the gateway segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "market",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "gateway",
				Name:      "webhook_deliveries_total",
				Help:      "Count of webhook delivery attempts segmented by event type and outcome.",
			}, []string{"event", "outcome"}),
			webhookQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "market",
				Subsystem: "gateway",
				Name:      "webhook_queue_depth",
				Help:      "Number of webhook deliveries waiting in the outbound queue.",
			}),
			reconExports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "gateway",
				Name:      "recon_export_rows_total",
				Help:      "Rows written by reconciliation exports segmented by format.",
			}, []string{"format"}),
			nodeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "gateway",
				Name:      "node_calls_total",
				Help:      "JSON-RPC calls issued to the node segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			watcherSequence: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "market",
				Subsystem: "gateway",
				Name:      "watcher_sequence",
				Help:      "Highest event sequence the feed watcher has processed.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.httpRequests,
			gatewayRegistry.httpLatency,
			gatewayRegistry.webhookDeliveries,
			gatewayRegistry.webhookQueueDepth,
			gatewayRegistry.reconExports,
			gatewayRegistry.nodeCalls,
			gatewayRegistry.watcherSequence,
		)
	})
	return gatewayRegistry
}

// ObserveHTTPRequest records one handled gateway request.
func (m *GatewayMetrics) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	m.httpRequests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveWebhookDelivery records one delivery attempt for the event type.
func (m *GatewayMetrics) ObserveWebhookDelivery(event, outcome string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.webhookDeliveries.WithLabelValues(event, outcome).Inc()
}

// SetWebhookQueueDepth updates the queued-delivery gauge.
func (m *GatewayMetrics) SetWebhookQueueDepth(depth int) {
	if m == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	m.webhookQueueDepth.Set(float64(depth))
}

// RecordReconExport adds the exported row count for the format.
func (m *GatewayMetrics) RecordReconExport(format string, rows int) {
	if m == nil || rows <= 0 {
		return
	}
	if format = strings.TrimSpace(format); format == "" {
		format = "unknown"
	}
	m.reconExports.WithLabelValues(format).Add(float64(rows))
}

// ObserveNodeCall records the outcome of one upstream node call.
func (m *GatewayMetrics) ObserveNodeCall(method string, err error) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.nodeCalls.WithLabelValues(method, outcome).Inc()
}

// SetWatcherSequence publishes the watcher's processed cursor position.
func (m *GatewayMetrics) SetWatcherSequence(sequence uint64) {
	if m == nil {
		return
	}
	m.watcherSequence.Set(float64(sequence))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
