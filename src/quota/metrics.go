package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pulse_quota_decisions_total",
	Help: "Quota ledger decisions, by result.",
}, []string{"result"})
