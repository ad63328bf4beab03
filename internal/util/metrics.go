package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of successful order status transitions",
	}, []string{"status"})

	OrderTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_rejected_total",
		Help: "Total number of rejected order status transitions",
	}, []string{"reason"})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_payment_attempts_total",
		Help: "Total number of wallet payment attempts",
	})

	PaymentSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_payment_success_total",
		Help: "Total number of wallet payments committed",
	})

	PaymentReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_payment_replayed_total",
		Help: "Total number of payment retries answered from the existing transaction",
	})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_payment_failed_total",
		Help: "Total number of failed wallet payments",
	}, []string{"reason"})

	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_deposits_total",
		Help: "Total number of wallet deposits",
	})

	WalletLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wallet_lock_wait_seconds",
		Help:    "Time spent waiting for the per-wallet lock",
		Buckets: prometheus.DefBuckets,
	})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wallet_payment_latency_seconds",
		Help:    "Latency of wallet payment processing",
		Buckets: prometheus.DefBuckets,
	})

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections",
		Help: "Open subscriber connections",
	})

	HubAuthenticatedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_authenticated_users",
		Help: "Users with at least one authenticated connection",
	})

	HubEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_events_total",
		Help: "Order events fanned out by the hub",
	}, []string{"type"})

	HubDeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_deliveries_dropped_total",
		Help: "Deliveries dropped because a subscriber was slow or gone",
	})

	RelayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Order events relayed through the broker",
	}, []string{"direction"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
