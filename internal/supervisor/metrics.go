package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the supervision health counters.
type Metrics struct {
	PipelinesStarted prometheus.Counter
	PipelinesStopped prometheus.Counter
	Handoffs         prometheus.Counter
	Restarts         prometheus.Counter
	StreamFailures   prometheus.Counter
	IdleTeardowns    prometheus.Counter
	ActiveStreams    prometheus.Gauge
}

// NewMetrics registers the supervisor metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PipelinesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prismcast",
			Subsystem: "supervisor",
			Name:      "pipelines_started_total",
			Help:      "Number of stream pipelines started.",
		}),
		PipelinesStopped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prismcast",
			Subsystem: "supervisor",
			Name:      "pipelines_stopped_total",
			Help:      "Number of stream pipelines stopped.",
		}),
		Handoffs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prismcast",
			Subsystem: "supervisor",
			Name:      "handoffs_total",
			Help:      "Number of supervised capture handoffs.",
		}),
		Restarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prismcast",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of supervised restarts after pipeline faults.",
		}),
		StreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prismcast",
			Subsystem: "supervisor",
			Name:      "stream_failures_total",
			Help:      "Number of streams abandoned after exhausting restarts.",
		}),
		IdleTeardowns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prismcast",
			Subsystem: "supervisor",
			Name:      "idle_teardowns_total",
			Help:      "Number of streams torn down for idleness.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "prismcast",
			Subsystem: "supervisor",
			Name:      "active_streams",
			Help:      "Streams currently being captured.",
		}),
	}
}
