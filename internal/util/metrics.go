package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_created_total",
		Help: "Total number of offers created",
	})

	OfferActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_actions_total",
		Help: "Total number of applied offer actions",
	}, []string{"action"})

	OffersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offers_rejected_total",
		Help: "Total number of rejected offer operations",
	}, []string{"rule"})

	OffersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_expired_total",
		Help: "Total number of offers moved to expired",
	})

	TransactionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transactions_created_total",
		Help: "Total number of escrow transactions opened",
	})

	TransactionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transaction_transitions_total",
		Help: "Total number of transaction status transitions",
	}, []string{"from", "to"})

	GatewayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_total",
		Help: "Total number of gateway events by kind and outcome",
	}, []string{"kind", "outcome"})

	GatewayEventLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_event_latency_seconds",
		Help:    "Latency of gateway event application",
		Buckets: prometheus.DefBuckets,
	})

	WebhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhooks_rejected_total",
		Help: "Total number of rejected gateway webhooks",
	}, []string{"reason"})

	CatalogRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_request_latency_seconds",
		Help:    "Latency of listing and ownership lookups",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_total",
		Help: "Total number of fund release attempts",
	}, []string{"outcome"})

	PayoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payout_latency_seconds",
		Help:    "Latency of gateway transfer calls",
		Buckets: prometheus.DefBuckets,
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
