package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics records decision outcomes and collaborator activity for the
// webhook verification pipeline.
type GatewayMetrics struct {
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	decisions      *prometheus.CounterVec
	proofs         *prometheus.CounterVec
	ledgerRetries  prometheus.Counter
	ledgerFailures prometheus.Counter
	activeMonitors prometheus.Gauge
	dedupEntries   prometheus.Gauge
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Gateway returns the lazily-initialised metrics registry for the webhook
// gateway. Registration happens exactly once per process.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "relaygate",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "webhook",
				Name:      "decisions_total",
				Help:      "Webhook pipeline verdicts segmented by outcome.",
			}, []string{"outcome"}),
			proofs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "proof",
				Name:      "issued_total",
				Help:      "Merchant proofs issued segmented by signature method.",
			}, []string{"method"}),
			ledgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "ledger",
				Name:      "retries_total",
				Help:      "Transient ledger failures that triggered a retry.",
			}),
			ledgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "ledger",
				Name:      "exhausted_total",
				Help:      "Ledger calls that exhausted their retry budget.",
			}),
			activeMonitors: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "relaygate",
				Subsystem: "monitor",
				Name:      "active_jobs",
				Help:      "Confirmation monitor jobs currently polling.",
			}),
			dedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "relaygate",
				Subsystem: "dedup",
				Name:      "entries",
				Help:      "Payment identifiers currently held by the duplicate tracker.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.decisions,
			gatewayRegistry.proofs,
			gatewayRegistry.ledgerRetries,
			gatewayRegistry.ledgerFailures,
			gatewayRegistry.activeMonitors,
			gatewayRegistry.dedupEntries,
		)
	})
	return gatewayRegistry
}

// ObserveRequest records the outcome of an HTTP request. The status code is
// the one ultimately written to the response writer.
func (m *GatewayMetrics) ObserveRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// Decision counts a pipeline verdict ("success", "already_processed",
// "unauthorized", "forbidden", "verification_failed", "internal_error", ...).
func (m *GatewayMetrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

// ProofIssued counts an issued proof by signature method.
func (m *GatewayMetrics) ProofIssued(method string) {
	if m == nil {
		return
	}
	m.proofs.WithLabelValues(method).Inc()
}

// LedgerRetry counts a transient ledger failure that will be retried.
func (m *GatewayMetrics) LedgerRetry() {
	if m == nil {
		return
	}
	m.ledgerRetries.Inc()
}

// LedgerExhausted counts a ledger call that ran out of attempts.
func (m *GatewayMetrics) LedgerExhausted() {
	if m == nil {
		return
	}
	m.ledgerFailures.Inc()
}

// SetActiveMonitors reports the current confirmation-monitor job count.
func (m *GatewayMetrics) SetActiveMonitors(n int) {
	if m == nil {
		return
	}
	m.activeMonitors.Set(float64(n))
}

// SetDedupEntries reports the current duplicate-tracker population.
func (m *GatewayMetrics) SetDedupEntries(n int) {
	if m == nil {
		return
	}
	m.dedupEntries.Set(float64(n))
}
