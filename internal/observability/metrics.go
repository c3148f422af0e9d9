package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctp_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctp_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBTxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctp_db_tx_retries_total",
			Help: "Transactions retried after a serialization failure",
		},
	)

	PurchasesInitiated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctp_purchases_initiated_total",
			Help: "Purchase initiations by outcome",
		},
		[]string{"outcome"},
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctp_payment_callbacks_total",
			Help: "Payment callbacks by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctp_gateway_request_seconds",
			Help:    "Latency of payment gateway calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)

	GatewayTokenRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctp_gateway_token_refreshes_total",
			Help: "Gateway access token fetches",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctp_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctp_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctp_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	ExpiredPurchases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctp_purchases_expired_total",
			Help: "Pending purchases failed by the timeout sweep",
		},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal, DBTxDuration, DBTxRetries, PurchasesInitiated, CallbacksTotal,
			GatewayDuration, GatewayTokenRefreshes, OutboxLag, RabbitPublishRetries,
			RateLimitExceeded, ExpiredPurchases,
		)
	})
}
