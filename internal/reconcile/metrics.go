package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	applyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "reconcile",
		Name:      "apply_total",
		Help:      "Status reports applied by source and outcome.",
	}, []string{"source", "outcome"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "reconcile",
		Name:      "transitions_total",
		Help:      "Orders reaching a terminal state, by final status.",
	}, []string{"status"})

	creditsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "reconcile",
		Name:      "credits_total",
		Help:      "Balance credits issued.",
	})

	creditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "reconcile",
		Name:      "credit_failures_total",
		Help:      "Balance credits that failed after the order was marked credited. Requires manual repair.",
	})
)

func init() {
	prometheus.MustRegister(applyTotal, transitionsTotal, creditsTotal, creditFailures)
}
