package detection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_detection_blocked_total",
		Help: "Texts blocked by the injection classifier, by category.",
	}, []string{"category"})

	passedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_detection_passed_total",
		Help: "Texts allowed by the injection classifier.",
	})

	scanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_detection_scan_duration_seconds",
		Help:    "Time spent in each classifier scanner.",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
	}, []string{"scanner"})
)
