// Package handlers exposes the message bus to a UI process over a
// WebSocket, next to health, metrics, audit and server log endpoints.
package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/sessiond/internal/bus"
	"github.com/gluk-w/claworc/sessiond/internal/middleware"
	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
)

// SessionLister reports the ids of attached sessions.
type SessionLister interface {
	Sessions() []string
}

// Options configures a Server.
type Options struct {
	Dispatcher  *bus.Dispatcher
	Broadcaster *bus.Broadcaster
	Sessions    SessionLister
	Auditor     *sshaudit.Auditor // nil disables the audit endpoints
	DB          *gorm.DB          // pinged by /health when set

	// Gatherer is served on /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
	Metrics  *Metrics

	AuthToken  string
	AllowedIPs []*net.IPNet
	// OriginPatterns lists hosts allowed to open the WebSocket from a
	// browser besides the server's own.
	OriginPatterns []string

	// FrameRate and FrameBurst bound inbound WebSocket frames per
	// connection; zero means the defaults.
	FrameRate  float64
	FrameBurst int

	Version string
}

// Server holds the HTTP surface.
type Server struct {
	opts    Options
	metrics *Metrics
	log     zerolog.Logger
	started time.Time
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = wsRateLimit
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = wsRateBurst
	}
	m := opts.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Server{
		opts:    opts,
		metrics: m,
		log:     log.With().Str("component", "handlers").Logger(),
		started: time.Now(),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RestrictSources(s.opts.AllowedIPs))
		r.Use(middleware.RequireToken(s.opts.AuthToken))

		r.Get("/ws", s.ServeWS)
		r.Get("/ops", s.ListOps)
		r.Get("/audit", s.GetAuditLogs)
		r.Get("/sessions/{id}/commands", s.GetSessionCommands)
		r.Get("/server-logs", s.GetServerLogs)
		r.Delete("/server-logs", s.ClearServerLogs)
	})
	return r
}

// ListOps returns the operations the bus accepts.
func (s *Server) ListOps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"ops": s.opts.Dispatcher.Ops()})
}
