package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// ProviderCalls counts routing provider call attempts by category and outcome
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_calls_total", Help: "Routing provider call attempts by category and outcome."},
		[]string{"category", "outcome"},
	)
	// ProviderLatency tracks provider call latencies in seconds
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "provider_call_duration_seconds", Help: "Routing provider call latency in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15}},
		[]string{"category"},
	)
	// CircuitState exposes the per-category breaker state (0 closed, 1 half_open, 2 open)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "provider_circuit_state", Help: "Circuit state per category: 0 closed, 1 half_open, 2 open."},
		[]string{"category"},
	)
	// GatewayCacheLookups counts gateway cache hits and misses
	GatewayCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_cache_lookups_total", Help: "Gateway cache lookups by category and result."},
		[]string{"category", "result"},
	)
	// ProviderSpend tracks estimated provider spend by accounting period
	ProviderSpend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "provider_spend_usd", Help: "Estimated provider spend in USD for the current period."},
		[]string{"period"},
	)

	// HubSubscribers gauges connected dispatch sessions
	HubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "hub_subscribers", Help: "Connected dispatch subscriber sessions."},
	)
	// HubDroppedFrames counts stale position frames dropped under backpressure
	HubDroppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "hub_dropped_position_frames_total", Help: "Stale position frames dropped for slow subscribers."},
	)

	// SyncEntries counts offline sync entries by resulting status
	SyncEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_entries_total", Help: "Offline sync entries by resulting status."},
		[]string{"status"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(ProviderCalls)
		Registry.MustRegister(ProviderLatency)
		Registry.MustRegister(CircuitState)
		Registry.MustRegister(GatewayCacheLookups)
		Registry.MustRegister(ProviderSpend)
		Registry.MustRegister(HubSubscribers)
		Registry.MustRegister(HubDroppedFrames)
		Registry.MustRegister(SyncEntries)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
