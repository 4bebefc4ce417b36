package sshfiles

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the file engine's Prometheus collectors.
type Metrics struct {
	Ops   *prometheus.CounterVec
	Bytes *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg, or on a private registry when
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "files",
			Name:      "operations_total",
			Help:      "File operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "files",
			Name:      "transferred_bytes_total",
			Help:      "Bytes moved by uploads and downloads.",
		}, []string{"direction"}),
	}
}
