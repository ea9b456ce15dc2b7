package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valley_webhook_events_total",
			Help: "Webhook deliveries by event type and result",
		},
		[]string{"type", "result"},
	)

	WebhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "valley_webhook_duration_seconds",
			Help:    "Time taken to handle a webhook delivery",
			Buckets: prometheus.DefBuckets,
		},
	)

	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valley_reconciliations_total",
			Help: "Purchase reconciliation outcomes by path",
		},
		[]string{"path", "outcome"},
	)

	Checkouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valley_checkouts_total",
			Help: "Checkout session creation attempts by result",
		},
		[]string{"result"},
	)

	NotificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valley_notification_failures_total",
			Help: "Transactional emails that could not be sent",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(WebhookEvents, WebhookDuration, Reconciliations, Checkouts, NotificationFailures)
	})
}
