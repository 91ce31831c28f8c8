package bulk

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_sends_total",
			Help: "Recipients processed by bulk runs, by final status.",
		},
		[]string{"provider", "status"},
	)

	sendAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkmail_send_attempts",
			Help:    "Attempts used per recipient.",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"provider"},
	)

	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkmail_batch_duration_seconds",
			Help:    "Wall time of one batch, excluding the delay after it.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(sendsTotal)
	prometheus.MustRegister(sendAttempts)
	prometheus.MustRegister(batchDuration)
}

func recordOutcome(provider string, o Outcome) {
	status := "success"
	if !o.Success {
		status = "failure"
	}
	sendsTotal.WithLabelValues(provider, status).Inc()
	sendAttempts.WithLabelValues(provider).Observe(float64(o.Attempts))
}

func recordBatch(provider string, seconds float64) {
	batchDuration.WithLabelValues(provider).Observe(seconds)
}
