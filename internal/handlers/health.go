package handlers

import (
	"net/http"
	"time"
)

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if s.opts.DB != nil {
		dbStatus = "disconnected"
		if sqlDB, err := s.opts.DB.DB(); err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	sessions := 0
	if s.opts.Sessions != nil {
		sessions = len(s.opts.Sessions.Sessions())
	}
	subscribers := 0
	if s.opts.Broadcaster != nil {
		subscribers = s.opts.Broadcaster.Subscribers()
	}

	status := "healthy"
	if dbStatus == "disconnected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"database":    dbStatus,
		"sessions":    sessions,
		"subscribers": subscribers,
		"version":     s.opts.Version,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}
