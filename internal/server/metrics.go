package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeguard_builds_started_total",
		Help: "Builds accepted by POST /builds.",
	})
	buildsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeguard_builds_cancelled_total",
		Help: "Cancel requests accepted.",
	})
	gateResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeguard_gate_resolutions_total",
		Help: "Gate resolutions by action.",
	}, []string{"action"})
	sseClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forgeguard_sse_clients",
		Help: "Currently connected SSE observers.",
	})
)
