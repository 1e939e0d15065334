package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DronesByPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dronehub_drones",
		Help: "Number of registered drones by hub phase.",
	}, []string{"phase"})
	EngineOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dronehub_engine_ops_total",
		Help: "Lifecycle operations by kind and outcome.",
	}, []string{"op", "outcome"})
	PromptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dronehub_prompts_total",
		Help: "Prompt dispatches by terminal state.",
	}, []string{"state"})
	PullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dronehub_repo_pulls_total",
		Help: "Host-apply pull operations by outcome.",
	}, []string{"outcome"})
	TerminalSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dronehub_terminal_sessions",
		Help: "Terminal sessions currently tracked by the hub.",
	})
	TerminalBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dronehub_terminal_bytes_total",
		Help: "Terminal output bytes relayed to clients.",
	})
	DvmOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dronehub_dvm_op_duration_seconds",
		Help:    "Duration of container engine CLI operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	GCRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dronehub_registry_gc_removals_total",
		Help: "Orphaned error-phase drones removed by the registry GC.",
	})
)
