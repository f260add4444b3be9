package services

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payqueue_jobs_enqueued_total",
			Help: "Payment jobs enqueued by payment type.",
		},
		[]string{"payment_type"},
	)

	// outcome: completed, failed, requeued, error
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payqueue_jobs_processed_total",
			Help: "Claimed payment jobs by processing outcome.",
		},
		[]string{"outcome"},
	)

	// result: ok, retryable, terminal
	gatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payqueue_gateway_calls_total",
			Help: "Individual gateway submissions by result.",
		},
		[]string{"result"},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payqueue_batch_duration_seconds",
			Help:    "Duration of one queue processor batch.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)
)

func init() {
	prometheus.MustRegister(jobsEnqueued, jobsProcessed, gatewayCalls, batchDuration)
}
