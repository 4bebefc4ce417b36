package sshaudit

import (
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/claworc/sessiond/internal/database"
)

// LogConnection records an established connection. reused marks a session
// attached to a pooled connection.
func (a *Auditor) LogConnection(sessionID, host, username string, reused bool) {
	event := EventConnectionEstablished
	if reused {
		event = EventConnectionReused
	}
	a.Log(AuditEntry{SessionID: sessionID, Host: host, Username: username, EventType: event})
}

// LogDisconnection records a session leaving its connection.
func (a *Auditor) LogDisconnection(sessionID, host, username, reason string, durationMs int64) {
	a.Log(AuditEntry{
		SessionID:  sessionID,
		Host:       host,
		Username:   username,
		EventType:  EventConnectionTerminated,
		Details:    reason,
		DurationMs: durationMs,
	})
}

// LogConnectionFailed records a failed connection attempt.
func (a *Auditor) LogConnectionFailed(sessionID, host, username, reason string) {
	a.Log(AuditEntry{SessionID: sessionID, Host: host, Username: username, EventType: EventConnectionFailed, Details: reason})
}

// LogCommand records a one-shot command execution.
func (a *Auditor) LogCommand(sessionID, host, command, result string) {
	a.Log(AuditEntry{SessionID: sessionID, Host: host, EventType: EventCommandExecution, Details: "cmd=" + command + " result=" + result})
}

// LogFileOperation records a file transfer engine operation.
func (a *Auditor) LogFileOperation(sessionID, operation, path string) {
	a.Log(AuditEntry{SessionID: sessionID, EventType: EventFileOperation, Details: operation + ": " + path})
}

// LogTerminalSessionStart records a shell being opened.
func (a *Auditor) LogTerminalSessionStart(sessionID, mode string) {
	a.Log(AuditEntry{SessionID: sessionID, EventType: EventTerminalSessionStart, Details: "mode=" + mode})
}

// LogTerminalSessionEnd records a shell stream ending.
func (a *Auditor) LogTerminalSessionEnd(sessionID string, durationMs int64) {
	a.Log(AuditEntry{SessionID: sessionID, EventType: EventTerminalSessionEnd, DurationMs: durationMs})
}

// RecordCommand stores a command the user typed into a session.
func (a *Auditor) RecordCommand(sessionID, host, command string, at time.Time) error {
	if a == nil {
		return nil
	}
	if at.IsZero() {
		at = a.nowFn()
	}
	a.mu.Lock()
	err := a.db.Create(&database.CommandRecord{SessionID: sessionID, Host: host, Command: command, ExecutedAt: at}).Error
	a.mu.Unlock()
	if err != nil {
		a.log.Error().Err(err).Msg("failed to record command")
	}
	return err
}

// Commands returns the recorded commands of a session, oldest first.
func (a *Auditor) Commands(sessionID string, limit int) ([]database.CommandRecord, error) {
	if a == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []database.CommandRecord
	err := a.db.Where("session_id = ?", sessionID).Order("executed_at ASC, id ASC").Limit(limit).Find(&out).Error
	return out, err
}

// ExtractSourceIP extracts the client IP from an HTTP request,
// preferring X-Forwarded-For and X-Real-IP headers.
func ExtractSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
