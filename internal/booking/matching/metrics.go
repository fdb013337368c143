package matching

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matching_time_seconds",
		Help:    "Time spent selecting candidate riders for a booking.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	matchingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_outcomes_total",
		Help: "Total matching runs grouped by outcome.",
	}, []string{"result"})
)

func observeMatch(result string, elapsed time.Duration) {
	matchingDuration.WithLabelValues(result).Observe(elapsed.Seconds())
	matchingOutcomes.WithLabelValues(result).Inc()
}
