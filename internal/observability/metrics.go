package observability

import (
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/adminwallet"
	"github.com/MarkoPoloResearchLab/satledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/satledger/internal/rewards"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "satledger"

// Metrics holds every collector the daemon exports. Each instance owns its registry.
type Metrics struct {
	registry          *prometheus.Registry
	operations        *prometheus.CounterVec
	payments          *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	rewardGrants      *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	escrowDrift       prometheus.Gauge
	consecutiveDrifts prometheus.Gauge
	driftAlerts       prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDurations     *prometheus.HistogramVec
}

// NewMetrics builds the collectors on a fresh registry. withRuntime adds the Go and process collectors.
func NewMetrics(withRuntime bool) *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations segmented by operation and status.",
		}, []string{"operation", "status"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "payments",
			Name:      "attempts_total",
			Help:      "Payment attempts segmented by payment type and outcome code.",
		}, []string{"type", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Attempts rejected by the rate limiter segmented by kind.",
		}, []string{"kind"}),
		rewardGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rewards",
			Name:      "grants_total",
			Help:      "Reward grant calls segmented by result.",
		}, []string{"status"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "payments",
			Name:      "pending_resolved_total",
			Help:      "Pending Lightning payments resolved segmented by final status.",
		}, []string{"status"}),
		escrowDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "escrow",
			Name:      "last_drift_sats",
			Help:      "Signed drift booked by the last escrow sync.",
		}),
		consecutiveDrifts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "escrow",
			Name:      "consecutive_drifts",
			Help:      "Escrow sync cycles in a row that needed an adjustment.",
		}),
		driftAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "escrow",
			Name:      "drift_alerts_total",
			Help:      "Escrow syncs whose drift crossed an alert threshold.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "opsapi",
			Name:      "requests_total",
			Help:      "Operations API requests segmented by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "opsapi",
			Name:      "request_duration_seconds",
			Help:      "Operations API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	metrics.registry.MustRegister(
		metrics.operations,
		metrics.payments,
		metrics.rateLimited,
		metrics.rewardGrants,
		metrics.resolutions,
		metrics.escrowDrift,
		metrics.consecutiveDrifts,
		metrics.driftAlerts,
		metrics.httpRequests,
		metrics.httpDurations,
	)
	if withRuntime {
		metrics.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return metrics
}

// Registry exposes the underlying registry for gathering.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

func (metrics *Metrics) ObserveOperation(operation string, status string) {
	metrics.operations.WithLabelValues(operation, status).Inc()
}

func (metrics *Metrics) ObservePayment(paymentType ledger.EntryType, outcome string) {
	metrics.payments.WithLabelValues(paymentType.String(), outcome).Inc()
}

func (metrics *Metrics) ObserveRateLimitRejection(kind ratelimit.Kind) {
	metrics.rateLimited.WithLabelValues(kind.String()).Inc()
}

func (metrics *Metrics) ObserveRewardGrant(status rewards.GrantStatus) {
	metrics.rewardGrants.WithLabelValues(string(status)).Inc()
}

func (metrics *Metrics) ObserveResolution(status ledger.PendingPaymentStatus) {
	metrics.resolutions.WithLabelValues(status.String()).Inc()
}

// ObserveEscrow records one escrow sync.
func (metrics *Metrics) ObserveEscrow(report adminwallet.EscrowReport) {
	metrics.escrowDrift.Set(float64(report.Drift.Int64()))
	metrics.consecutiveDrifts.Set(float64(report.ConsecutiveDrifts))
	if report.Alert {
		metrics.driftAlerts.Inc()
	}
}

// ObserveRequest records one operations API request.
func (metrics *Metrics) ObserveRequest(route string, method string, status string, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	metrics.httpRequests.WithLabelValues(route, method, status).Inc()
	metrics.httpDurations.WithLabelValues(route, method).Observe(duration.Seconds())
}
