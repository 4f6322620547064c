// Package metrics exposes the gateway's Prometheus metrics: request
// outcomes and latency, token usage, credential pool state, and stream
// activity. The Collector implements the pipeline's Recorder interface
// so the engine records without importing Prometheus directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/protocol"
)

// PoolView is the slice of the credential pool the collector scrapes.
type PoolView interface {
	CredentialsByStatus(status credential.Status) []*credential.Credential
}

// Collector owns every metric the gateway registers.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	poolCredentials *prometheus.GaugeVec
	streamEvents    prometheus.Counter

	pool PoolView
}

// NewCollector builds and registers the metric set. A nil registry
// allocates a private one.
func NewCollector(registry *prometheus.Registry, pool PoolView) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		pool:     pool,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxycast",
			Name:      "requests_total",
			Help:      "Completed requests by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proxycast",
			Name:      "request_duration_seconds",
			Help:      "Request latency from acceptance to completion.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxycast",
			Name:      "tokens_total",
			Help:      "Token usage by provider, model, and direction.",
		}, []string{"provider", "model", "direction"}),
		poolCredentials: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proxycast",
			Name:      "pool_credentials",
			Help:      "Credentials in the pool by status.",
		}, []string{"status"}),
		streamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxycast",
			Name:      "stream_events_total",
			Help:      "Neutral stream events delivered to clients.",
		}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.tokensTotal,
		c.poolCredentials,
		c.streamEvents,
	)
	return c
}

// RecordRequest counts one finished request.
func (c *Collector) RecordRequest(providerID, _ string, model string, outcome string, d time.Duration) {
	c.requestsTotal.WithLabelValues(providerID, model, outcome).Inc()
	c.requestDuration.WithLabelValues(providerID, model).Observe(d.Seconds())
}

// RecordUsage counts token consumption for one request.
func (c *Collector) RecordUsage(providerID, _ string, model string, usage protocol.Usage) {
	c.tokensTotal.WithLabelValues(providerID, model, "input").Add(float64(usage.InputTokens))
	c.tokensTotal.WithLabelValues(providerID, model, "output").Add(float64(usage.OutputTokens))
}

// RecordStreamEvent counts one delivered stream event.
func (c *Collector) RecordStreamEvent() {
	c.streamEvents.Inc()
}

// UpdatePoolGauges refreshes the per-status credential gauges. Called
// on a maintenance schedule rather than per request.
func (c *Collector) UpdatePoolGauges() {
	if c.pool == nil {
		return
	}
	for _, status := range []credential.Status{
		credential.StatusHealthy,
		credential.StatusCooldown,
		credential.StatusUnhealthy,
		credential.StatusDisabled,
	} {
		c.poolCredentials.WithLabelValues(string(status)).Set(float64(len(c.pool.CredentialsByStatus(status))))
	}
}

// Handler serves the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
