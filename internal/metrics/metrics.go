// Package metrics exposes the service's Prometheus instruments on a dedicated
// registry so tests and embedders never collide with the global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	ReportsCreated    prometheus.Counter
	ReportsDeduped    prometheus.Counter
	OrdersPlaced      prometheus.Counter
	ReportsClosed     prometheus.Counter
	TrucksAssigned    prometheus.Counter
	LocationsMerged   prometheus.Counter
	WebhookDeliveries *prometheus.CounterVec
	WebhookLatency    prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ReportsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reports_created_total",
			Help: "Unique queue reports accepted.",
		}),
		ReportsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reports_deduped_total",
			Help: "Report submissions folded into an existing open report.",
		}),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Orders placed against locations.",
		}),
		ReportsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reports_closed_total",
			Help: "Reports closed by order placement.",
		}),
		TrucksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trucks_assigned_total",
			Help: "Truck dispatches assigned to locations.",
		}),
		LocationsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locations_merged_total",
			Help: "Duplicate locations merged into a canonical one.",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		WebhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Webhook endpoint round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPLatency,
		m.ReportsCreated, m.ReportsDeduped, m.OrdersPlaced, m.ReportsClosed,
		m.TrucksAssigned, m.LocationsMerged,
		m.WebhookDeliveries, m.WebhookLatency,
	)
	return m
}
