// Package metrics exposes Prometheus collectors for the payment pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the recorder contracts of the webhook processor, the
// expiration sweeper, and the reconciler on Prometheus collectors.
type Metrics struct {
	registry        *prometheus.Registry
	webhookOutcomes *prometheus.CounterVec
	intentsExpired  prometheus.Counter
	discrepancies   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payledger",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook events by provider and processing outcome.",
		}, []string{"provider", "outcome"}),
		intentsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payledger",
			Subsystem: "sweeper",
			Name:      "intents_expired_total",
			Help:      "Payment intents expired by the sweeper.",
		}),
		discrepancies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "payledger",
			Subsystem: "reconcile",
			Name:      "open_discrepancies",
			Help:      "Discrepancies found by the most recent reconciliation pass.",
		}),
	}
	registry.MustRegister(metrics.webhookOutcomes, metrics.intentsExpired, metrics.discrepancies)
	return metrics
}

// RecordWebhookOutcome implements webhook.OutcomeRecorder.
func (metrics *Metrics) RecordWebhookOutcome(provider string, outcome string) {
	metrics.webhookOutcomes.WithLabelValues(provider, outcome).Inc()
}

// RecordExpired implements sweeper.ExpiredRecorder.
func (metrics *Metrics) RecordExpired(count int) {
	metrics.intentsExpired.Add(float64(count))
}

// RecordDiscrepancies implements reconcile.DiscrepancyRecorder.
func (metrics *Metrics) RecordDiscrepancies(count int) {
	metrics.discrepancies.Set(float64(count))
}

// Handler serves the registry for scraping.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}
