package automation

import "github.com/prometheus/client_golang/prometheus"

var (
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "automation",
		Name:      "job_runs_total",
		Help:      "Total automation job runs by job name.",
	}, []string{"job"})

	jobErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "automation",
		Name:      "job_errors_total",
		Help:      "Total automation job failures by job name.",
	}, []string{"job"})

	jobSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "automation",
		Name:      "job_skipped_total",
		Help:      "Runs skipped because the previous run was still in flight.",
	}, []string{"job"})

	jobProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "automation",
		Name:      "job_processed_total",
		Help:      "Records processed by automation jobs.",
	}, []string{"job"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custodia",
		Subsystem: "automation",
		Name:      "job_duration_seconds",
		Help:      "Duration of automation job runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(jobRuns, jobErrors, jobSkipped, jobProcessed, jobDuration)
}
