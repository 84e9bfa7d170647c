package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus collectors.
type metrics struct {
	registry      *prometheus.Registry
	webhookEvents *prometheus.CounterVec
	deductions    *prometheus.CounterVec
	purchases     *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Inbound provider webhook deliveries by outcome.",
		}, []string{"provider", "outcome"}),
		deductions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_deductions_total",
			Help: "Credit deduction attempts by result.",
		}, []string{"result"}),
		purchases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_purchases_total",
			Help: "Purchase creations by result.",
		}, []string{"result"}),
	}
}

func (collectorSet *metrics) handler() http.Handler {
	return promhttp.HandlerFor(collectorSet.registry, promhttp.HandlerOpts{})
}
