package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_total",
		Help: "Total number of reservation attempts by result",
	}, []string{"origin", "result"})

	ReservationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_latency_seconds",
		Help:    "Latency of the locked reservation transaction",
		Buckets: prometheus.DefBuckets,
	})

	IdempotencyReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_replays_total",
		Help: "Total number of keyed requests answered without re-running",
	}, []string{"source"})

	PaymentsReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_reconciled_total",
		Help: "Total number of reconciliation attempts by source and outcome",
	}, []string{"source", "outcome"})

	PaymentProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_provider_latency_seconds",
		Help:    "Latency of payment provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	TicketsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_issued_total",
		Help: "Total number of tickets issued",
	})

	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemptions_total",
		Help: "Total number of gate scans by outcome",
	}, []string{"outcome"})

	StockAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_adjustments_total",
		Help: "Total number of administrative stock adjustments by result",
	}, []string{"result"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Total number of credential notifications by result",
	}, []string{"result"})

	NotificationsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifications_pending",
		Help: "Number of paid orders whose credentials are not yet delivered",
	})

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
