package sshproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the connection manager's Prometheus collectors.
type Metrics struct {
	Connects      *prometheus.CounterVec
	Sessions      prometheus.Gauge
	PoolSize      prometheus.Gauge
	PoolEvictions prometheus.Counter
	AuthPrompts   prometheus.Counter
	Execs         *prometheus.CounterVec
	ProbeDuration prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry, which keeps tests from colliding on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "connects_total",
			Help:      "Connect requests by outcome (new, reused, failed).",
		}, []string{"outcome"}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "sessions",
			Help:      "Sessions currently attached to a connection.",
		}),
		PoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "pool_entries",
			Help:      "Reusable connections held in the pool.",
		}),
		PoolEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "pool_evictions_total",
			Help:      "Pool entries removed because their transport ended.",
		}),
		AuthPrompts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "interactive_prompts_total",
			Help:      "Keyboard-interactive prompt rounds forwarded to the user.",
		}),
		Execs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "execs_total",
			Help:      "One-shot command executions by outcome.",
		}, []string{"kind", "outcome"}),
		ProbeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sessiond",
			Name:      "probe_duration_seconds",
			Help:      "Time taken by the capability probe.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
