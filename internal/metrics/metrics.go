// Package metrics exposes the process-wide Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Relay pool.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askmesh_events_published_total",
		Help: "Events handed to the relay pool for publishing, by kind",
	}, []string{"kind"})
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_publish_failures_total",
		Help: "Publishes that no relay accepted",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askmesh_events_received_total",
		Help: "Events delivered by subscriptions after dedup, by kind",
	}, []string{"kind"})
	EventsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_events_deduped_total",
		Help: "Duplicate events dropped by the relay pool",
	})
	EventsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_events_invalid_total",
		Help: "Inbound events dropped for a bad signature",
	})

	// Payments.
	PaymentsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askmesh_payments_total",
		Help: "Outgoing invoice payments, by status",
	}, []string{"status"})
	InvoicesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_invoices_issued_total",
		Help: "Invoices created through the payment backend",
	})

	// Client sessions.
	AsksPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_asks_published_total",
		Help: "Asks published by client engines",
	})
	PromptsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_prompts_sent_total",
		Help: "Prompts published by client engines",
	})
	RepliesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_replies_received_total",
		Help: "Reply chunks delivered to client reply streams",
	})
	PaymentsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_client_payments_failed_total",
		Help: "Quote payments that failed client-side",
	})
	SatsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_sats_paid_total",
		Help: "Satoshis paid for accepted quotes",
	})

	// Expert sessions.
	QuotesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_quotes_sent_total",
		Help: "Quotes published by expert engines",
	})
	RepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askmesh_replies_sent_total",
		Help: "Reply chunks published by expert engines",
	})
	ProofsVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askmesh_proofs_verified_total",
		Help: "Payment proofs checked by expert engines, by result",
	}, []string{"result"})

	// Control plane.
	SchedulerExperts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "askmesh_scheduler_experts",
		Help: "Experts tracked by the scheduler, by state",
	}, []string{"state"})
	SchedulerWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "askmesh_scheduler_workers",
		Help: "Workers currently connected to the scheduler",
	})
	WorkerInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "askmesh_worker_instances",
		Help: "Expert instances hosted by this worker",
	})
)

// KindLabel renders an event kind for use as a metric label.
func KindLabel(kind int) string { return strconv.Itoa(kind) }

// Handler serves the default registry, for mounting at /metrics.
func Handler() http.Handler { return promhttp.Handler() }
