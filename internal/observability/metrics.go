package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ts_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ts_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBTxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ts_db_tx_retries_total",
			Help: "Transactions retried after a serialization failure",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ts_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ts_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ts_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	PaymentNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ts_payment_notifications_total",
			Help: "Processor notifications by order kind, mapped status and whether they changed state",
		},
		[]string{"kind", "status", "applied"},
	)

	SettlementSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ts_settlement_steps_total",
			Help: "Settlement step outcomes",
		},
		[]string{"step", "status"},
	)

	ScanResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ts_scan_results_total",
			Help: "Scan attempts by result code and source",
		},
		[]string{"result", "source"},
	)

	Withdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ts_withdrawals_total",
			Help: "Withdrawals by final status",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal, DBTxDuration, DBTxRetries, OutboxLag, RabbitPublishRetries, RateLimitExceeded,
			PaymentNotifications, SettlementSteps, ScanResults, Withdrawals,
		)
	})
}
