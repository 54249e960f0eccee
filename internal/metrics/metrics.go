// Package metrics exposes settlement, webhook and HTTP telemetry for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletpay"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	settlements        *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec
	settledVolume      *prometheus.CounterVec
	feeRevenue         *prometheus.CounterVec

	webhookDeliveries *prometheus.CounterVec
	authFailures      *prometheus.CounterVec

	reconciliationRuns  *prometheus.CounterVec
	reconciliationDrift prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
	}, []string{"method", "path"})

	m.settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "total",
		Help:      "Settlement attempts by channel and outcome.",
	}, []string{"channel", "outcome"})
	m.settlementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "duration_seconds",
		Help:      "Duration of the settlement transaction.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"channel"})
	m.settledVolume = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "volume_minor_units_total",
		Help:      "Base amount settled, in minor units.",
	}, []string{"channel"})
	m.feeRevenue = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "treasury",
		Name:      "fee_revenue_minor_units_total",
		Help:      "Fees credited to the treasury, in minor units.",
	}, []string{"side"})

	m.webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	m.authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "auth_failures_total",
		Help:      "Rejected merchant API signatures by reason.",
	}, []string{"reason"})

	m.reconciliationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Reconciliation runs by outcome.",
	}, []string{"outcome"})
	m.reconciliationDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "drifted_accounts",
		Help:      "Accounts whose balance disagrees with their ledger at the last run.",
	})

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.settlements,
		m.settlementDuration,
		m.settledVolume,
		m.feeRevenue,
		m.webhookDeliveries,
		m.authFailures,
		m.reconciliationRuns,
		m.reconciliationDrift,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecInFlight() { m.httpInFlight.Dec() }

func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordSettlement counts one attempt. outcome is "paid", "failed" or "rejected".
func (m *Metrics) RecordSettlement(channel, outcome string, d time.Duration) {
	m.settlements.WithLabelValues(channel, outcome).Inc()
	m.settlementDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordSettledAmounts adds a paid settlement's base amount and fees.
func (m *Metrics) RecordSettledAmounts(channel string, amount, payerFee, merchantFee int64) {
	m.settledVolume.WithLabelValues(channel).Add(float64(amount))
	m.feeRevenue.WithLabelValues("payer").Add(float64(payerFee))
	m.feeRevenue.WithLabelValues("merchant").Add(float64(merchantFee))
}

func (m *Metrics) RecordWebhook(outcome string) {
	m.webhookDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReconciliation(outcome string, drifted int) {
	m.reconciliationRuns.WithLabelValues(outcome).Inc()
	m.reconciliationDrift.Set(float64(drifted))
}
