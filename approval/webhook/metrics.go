package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webhook_queue_depth",
		Help: "Deliveries currently waiting in the dispatch queue.",
	})
	queueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_queue_full_total",
		Help: "Total events refused because the dispatch queue was full.",
	})
	deliveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_delivery_attempts_total",
		Help: "Total webhook HTTP delivery attempts, including retries.",
	})
	deliveriesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_deliveries_succeeded_total",
		Help: "Total webhook deliveries acknowledged with a 2xx status.",
	})
	deliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_deliveries_dropped_total",
		Help: "Total webhook deliveries dropped after the final attempt.",
	})
)
