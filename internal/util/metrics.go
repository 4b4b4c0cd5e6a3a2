package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_orders_placed_total",
		Help: "Total number of orders committed by checkout",
	})

	CheckoutFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_checkout_failures_total",
		Help: "Total number of failed checkouts",
	}, []string{"reason"})

	CheckoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storefront_checkout_latency_seconds",
		Help:    "Latency of the checkout transaction",
		Buckets: prometheus.DefBuckets,
	})

	StockReservationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_stock_reservations_failed_total",
		Help: "Conditional stock decrements that found too little stock",
	})

	ProductCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_product_cache_requests_total",
		Help: "Product cache lookups by result",
	}, []string{"result"})

	ProductViewsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_product_views_flushed_total",
		Help: "Product views moved from Redis counters into the database",
	})

	EventsPublishFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_events_publish_failed_total",
		Help: "Domain events that could not be published",
	}, []string{"event_type"})

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
