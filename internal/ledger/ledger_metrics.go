package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghidar",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Total ledger operations by type.",
	}, []string{"op"})

	// LedgerOpDuration observes ledger operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ghidar",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal, LedgerOpDuration)
}

// observeOp records one ledger operation; call the returned func when done.
func observeOp(op string) func() {
	start := time.Now()
	LedgerOpsTotal.WithLabelValues(op).Inc()
	return func() {
		LedgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
