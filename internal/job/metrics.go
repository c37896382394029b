package job

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relightd",
			Subsystem: "job",
			Name:      "jobs_total",
			Help:      "Jobs by outcome",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relightd",
			Subsystem: "job",
			Name:      "job_duration_seconds",
			Help:      "End-to-end job duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relightd",
			Subsystem: "job",
			Name:      "phase_duration_seconds",
			Help:      "Duration of individual job phases in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	jobsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relightd",
			Subsystem: "job",
			Name:      "inflight",
			Help:      "Jobs currently holding an execution slot",
		},
	)

	dedupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relightd",
			Subsystem: "job",
			Name:      "dedup_total",
			Help:      "Requests answered by the duplicate cache",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, phaseDuration, jobsInflight, dedupTotal)
}
