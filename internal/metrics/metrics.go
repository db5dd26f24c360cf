package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline's Prometheus instruments on a private
// registry so tests can run side by side without collisions.
type Metrics struct {
	registry *prometheus.Registry

	TicketsAccepted  prometheus.Counter
	TicketsProcessed prometheus.Counter
	TicketsFailed    prometheus.Counter
	TicketsPopped    prometheus.Counter
	IncidentsCreated prometheus.Counter
	WebhooksSent     prometheus.Counter
	ScorerFallbacks  prometheus.Counter

	ProcessingSeconds prometheus.Histogram
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TicketsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketrouter_tickets_accepted_total",
			Help: "Tickets accepted for background processing.",
		}),
		TicketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketrouter_tickets_processed_total",
			Help: "Tickets fully classified, deduplicated, and enqueued.",
		}),
		TicketsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketrouter_tickets_failed_total",
			Help: "Ticket jobs that returned an error.",
		}),
		TicketsPopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketrouter_tickets_popped_total",
			Help: "Tickets dispatched off the priority queue.",
		}),
		IncidentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketrouter_incidents_created_total",
			Help: "Master incidents created by flash-flood detection.",
		}),
		WebhooksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketrouter_webhooks_sent_total",
			Help: "Webhook alerts delivered.",
		}),
		ScorerFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketrouter_scorer_fallbacks_total",
			Help: "Urgency scores served by the rule-based fallback.",
		}),
		ProcessingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketrouter_ticket_processing_seconds",
			Help:    "Wall time spent processing one ticket job.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
