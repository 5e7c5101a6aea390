package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileIntegrityViolations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "integrity_violations",
		Help:      "Escrows violating the custody split invariant in the last sweep.",
	})

	reconcileStuckReleases = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "stuck_releases",
		Help:      "Payments stuck in releasing in the last sweep.",
	})

	reconcileStalePayouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "stale_payouts",
		Help:      "Released escrows with a payout pending too long in the last sweep.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileIntegrityViolations,
		reconcileStuckReleases,
		reconcileStalePayouts,
		reconcileDuration,
		reconcileErrors,
	)
}
