package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the WebSocket bridge's Prometheus collectors.
type Metrics struct {
	Connections prometheus.Gauge
	Frames      *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "ws",
			Name:      "frames_total",
			Help:      "Frames by direction (in, out).",
		}, []string{"direction"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "ws",
			Name:      "dropped_total",
			Help:      "Frames dropped by reason (rate_limit, binary, overflow).",
		}, []string{"reason"}),
	}
}
