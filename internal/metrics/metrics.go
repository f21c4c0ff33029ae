// Package metrics holds the prometheus collectors for job dispatch and result consumption.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes
const (
	OutcomeAcked            = "acked"
	OutcomeRejectedRequeued = "rejected_requeued"
	OutcomeRejectedDropped  = "rejected_dropped"
)

// Dispatch results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var latencyBuckets = []float64{
	0.001, 0.002, 0.005,
	0.01, 0.02, 0.05,
	0.1, 0.2, 0.5,
	1, 2, 5, 10,
}

type metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	deliveriesTotal *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobdispatch",
			Name:      "dispatch_total",
			Help:      "Total number of job messages sent to work queues.",
		}, []string{"queue", "result"}),
		dispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobdispatch",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from send to broker confirmation.",
			Buckets:   latencyBuckets,
		}, []string{"queue", "result"}),
		deliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobdispatch",
			Name:      "deliveries_total",
			Help:      "Total number of result deliveries by final outcome.",
		}, []string{"queue", "outcome"}),
		handlerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobdispatch",
			Name:      "handler_duration_seconds",
			Help:      "Completion handler latency.",
			Buckets:   latencyBuckets,
		}, []string{"queue"}),
		inFlight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobdispatch",
			Name:      "deliveries_in_flight",
			Help:      "Current number of result deliveries being handled.",
		}, []string{"queue"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// ObserveDispatch records one send attempt
func ObserveDispatch(queue, result string, elapsed time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(queue, result).Inc()
	m.dispatchDuration.WithLabelValues(queue, result).Observe(elapsed.Seconds())
}

// ObserveDelivery records the final outcome of one delivery
func ObserveDelivery(queue, outcome string) {
	getMetrics().deliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveHandler records how long a completion handler ran
func ObserveHandler(queue string, elapsed time.Duration) {
	getMetrics().handlerDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement
func TrackInFlight(queue string) func() {
	g := getMetrics().inFlight.WithLabelValues(queue)
	g.Inc()
	return g.Dec
}
