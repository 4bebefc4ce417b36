package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
)

// GetAuditLogs returns paginated audit log entries.
//
// Query parameters:
//
//	session_id - filter by session id
//	host       - filter by host:port
//	event_type - filter by event type
//	username   - filter by username
//	since      - RFC3339 timestamp, only entries after this time
//	until      - RFC3339 timestamp, only entries before this time
//	limit      - max entries to return (default 50, max 1000)
//	offset     - pagination offset
func (s *Server) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	auditor := s.opts.Auditor
	if auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		SessionID: q.Get("session_id"),
		Host:      q.Get("host"),
		EventType: q.Get("event_type"),
		Username:  q.Get("username"),
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name+" timestamp (use RFC3339)")
			return
		}
		*p.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	res, err := auditor.Query(opts)
	if err != nil {
		s.log.Error().Err(err).Msg("Audit query failed")
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetSessionCommands returns the commands recorded for a session.
func (s *Server) GetSessionCommands(w http.ResponseWriter, r *http.Request) {
	auditor := s.opts.Auditor
	if auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	cmds, err := auditor.Commands(chi.URLParam(r, "id"), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Command history query failed")
		writeError(w, http.StatusInternalServerError, "Failed to query commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}
