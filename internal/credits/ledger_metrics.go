package credits

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Name:      "ledger_operations_total",
			Help:      "Total credit ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "satwatch",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Credit ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// SatsCreditedTotal counts sats added to accounts.
	SatsCreditedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Name:      "sats_credited_total",
			Help:      "Total sats credited to accounts.",
		},
	)

	// SatsSpentTotal counts sats successfully deducted.
	SatsSpentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Name:      "sats_spent_total",
			Help:      "Total sats deducted from accounts.",
		},
	)

	// InsufficientBalanceTotal counts deductions refused for lack of funds.
	InsufficientBalanceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "satwatch",
			Name:      "insufficient_balance_total",
			Help:      "Total deductions refused due to insufficient balance.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		SatsCreditedTotal,
		SatsSpentTotal,
		InsufficientBalanceTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
