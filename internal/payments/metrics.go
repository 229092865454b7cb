package payments

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PaymentOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Subsystem: "payments",
			Name:      "ops_total",
			Help:      "Payment operations by type and result",
		},
		[]string{"op", "result"},
	)

	PaymentOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "satwatch",
			Subsystem: "payments",
			Name:      "op_duration_seconds",
			Help:      "Payment operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	InvoicesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Subsystem: "payments",
			Name:      "invoices_created_total",
			Help:      "Invoices created at the provider and recorded locally",
		},
	)

	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Subsystem: "payments",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome (applied or duplicate)",
		},
		[]string{"outcome"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Subsystem: "payments",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Subsystem: "payments",
			Name:      "reconcile_runs_total",
			Help:      "Completed reconciliation passes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentOpsTotal,
		PaymentOpDuration,
		InvoicesCreatedTotal,
		SettlementsTotal,
		WebhooksTotal,
		ReconcileRunsTotal,
	)
}

func observeOp(op, result string, start time.Time) {
	PaymentOpsTotal.WithLabelValues(op, result).Inc()
	PaymentOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
