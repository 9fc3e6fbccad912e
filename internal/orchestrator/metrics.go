package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeguard_build_outcomes_total",
		Help: "Builds reaching a terminal status, by status.",
	}, []string{"status"})
	phaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forgeguard_phase_duration_seconds",
		Help:    "Wall clock per phase, sealed or skipped.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
	auditVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeguard_audit_verdicts_total",
		Help: "Inline audit verdicts, by verdict.",
	}, []string{"verdict"})
	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeguard_llm_tokens_total",
		Help: "Tokens consumed across all builds, by direction.",
	}, []string{"direction"})
)
