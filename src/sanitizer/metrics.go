package sanitizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var redactedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pulse_sanitizer_keys_total",
	Help: "Sensitive parameter keys handled by the sanitizer, by mode.",
}, []string{"mode"})
