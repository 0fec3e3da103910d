package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UsageChargesTotal counts usage billing attempts by outcome.
	UsageChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thankdonors",
		Subsystem: "billing",
		Name:      "usage_charges_total",
		Help:      "Postcard usage billing attempts by outcome.",
	}, []string{"outcome"})

	// ReconcileInvoicesTotal counts invoices created by the usage reconciler.
	ReconcileInvoicesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "thankdonors",
		Subsystem: "billing",
		Name:      "reconcile_invoices_total",
		Help:      "Invoices created by the monthly usage reconciler.",
	})

	// ReconcileErrorsTotal counts subscriptions that failed to reconcile.
	ReconcileErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "thankdonors",
		Subsystem: "billing",
		Name:      "reconcile_errors_total",
		Help:      "Subscriptions that failed during usage reconciliation.",
	})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thankdonors",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "thankdonors",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// MonitorPollsTotal counts postcard monitor polls by result.
	MonitorPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thankdonors",
		Subsystem: "billing",
		Name:      "monitor_polls_total",
		Help:      "Postcard monitor polls by result (billed, already_billed, rescheduled, exhausted, error).",
	}, []string{"result"})

	// BalanceTransactionsTotal counts ledger mutations by transaction type.
	BalanceTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thankdonors",
		Subsystem: "billing",
		Name:      "balance_transactions_total",
		Help:      "Balance ledger mutations by transaction type.",
	}, []string{"type"})
)
