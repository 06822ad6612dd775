package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_router_dispatch_total",
		Help: "Requests dispatched to providers, by provider and result.",
	}, []string{"provider", "result"})

	connectedProviders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_router_connected_providers",
		Help: "Provider adapters with a live session.",
	})
)
