package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pulse_admission_outcomes_total",
	Help: "Admission decisions, by outcome.",
}, []string{"outcome"})
