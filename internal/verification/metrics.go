package verification

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsCreated counts opened requests by method and risk level.
	RequestsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghidar",
		Subsystem: "verification",
		Name:      "requests_created_total",
		Help:      "Verification requests created, by method and risk level.",
	}, []string{"method", "risk"})

	// RequestsCompleted counts terminal transitions by method and outcome.
	RequestsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghidar",
		Subsystem: "verification",
		Name:      "requests_completed_total",
		Help:      "Verification requests reaching a terminal state, by method and outcome.",
	}, []string{"method", "outcome"})

	// ProofFailures counts invalid proof submissions by method.
	ProofFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghidar",
		Subsystem: "verification",
		Name:      "proof_failures_total",
		Help:      "Invalid proof submissions, by method.",
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(RequestsCreated, RequestsCompleted, ProofFailures)
}

func observeCreated(r *Request) {
	RequestsCreated.WithLabelValues(string(r.Method), string(r.RiskLevel)).Inc()
}

func observeTerminal(r *Request) {
	RequestsCompleted.WithLabelValues(string(r.Method), string(r.Status)).Inc()
}
