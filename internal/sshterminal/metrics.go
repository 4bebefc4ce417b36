package sshterminal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the multiplexer's Prometheus collectors.
type Metrics struct {
	Opens         *prometheus.CounterVec
	Flushes       prometheus.Counter
	Captures      prometheus.Counter
	DroppedWrites *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg, or on a private registry when
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Opens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "terminal",
			Name:      "opens_total",
			Help:      "Interactive streams opened, by mode (shell, exec).",
		}, []string{"mode"}),
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "terminal",
			Name:      "flushes_total",
			Help:      "Buffered output batches delivered.",
		}),
		Captures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "terminal",
			Name:      "captures_total",
			Help:      "Marked command outputs delivered.",
		}),
		DroppedWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "terminal",
			Name:      "dropped_writes_total",
			Help:      "User input rejected before reaching the stream, by reason.",
		}, []string{"reason"}),
	}
}
