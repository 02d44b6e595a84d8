package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matching_time_seconds",
		Help:    "Time spent ranking candidate rides for a traveler.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	candidatesEvaluated = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_candidates",
		Help:    "Number of eligible rides scored per matching request.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)
