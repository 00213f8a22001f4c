package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsSubsystemEngine     = "matching"
	MetricsSubsystemSettlement = "settlement"
)

// Metrics contains metrics exposed by the exchange.
type Metrics struct {
	// Orders accepted onto the engine, by side.
	OrdersSubmitted *prometheus.CounterVec
	// Orders rejected before reaching the book, by reason.
	OrdersRejected *prometheus.CounterVec
	OrdersCancelled prometheus.Counter
	OrdersExpired   prometheus.Counter
	// Trades produced by matching, by token.
	TradesExecuted *prometheus.CounterVec
	// Resting orders per token and side.
	BookDepth *prometheus.GaugeVec

	// Settlement outcomes, by final trade status.
	Settlements *prometheus.CounterVec
	// Wall time from claim to final status.
	SettlementSeconds prometheus.Histogram
	// Trades waiting for a settlement worker.
	SettlementQueue prometheus.Gauge
	// Open manual-intervention alerts.
	OpenAlerts prometheus.Gauge
}

// PrometheusMetrics builds Metrics and registers them on reg.
func PrometheusMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemEngine,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by the matching engine.",
		}, []string{"side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemEngine,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by validation.",
		}, []string{"reason"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemEngine,
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled by their owner.",
		}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemEngine,
			Name:      "orders_expired_total",
			Help:      "Orders removed by the expiry sweeper.",
		}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemEngine,
			Name:      "trades_total",
			Help:      "Trades produced by matching.",
		}, []string{"token"}),
		BookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemEngine,
			Name:      "book_depth",
			Help:      "Resting orders on the book.",
		}, []string{"token", "side"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemSettlement,
			Name:      "trades_total",
			Help:      "Trades that reached a final settlement status.",
		}, []string{"status"}),
		SettlementSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemSettlement,
			Name:      "duration_seconds",
			Help:      "Time spent settling one trade.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		SettlementQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemSettlement,
			Name:      "queue_size",
			Help:      "Trades waiting for a settlement worker.",
		}),
		OpenAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystemSettlement,
			Name:      "open_alerts",
			Help:      "Partially settled trades awaiting manual intervention.",
		}),
	}

	reg.MustRegister(
		m.OrdersSubmitted, m.OrdersRejected, m.OrdersCancelled, m.OrdersExpired,
		m.TradesExecuted, m.BookDepth,
		m.Settlements, m.SettlementSeconds, m.SettlementQueue, m.OpenAlerts,
	)
	return m
}

// NopMetrics returns Metrics registered on a private registry nobody scrapes.
func NopMetrics() *Metrics {
	return PrometheusMetrics("nop", prometheus.NewRegistry())
}
