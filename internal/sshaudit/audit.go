// Package sshaudit records connection, command, and file operation events to
// the database and the structured log.
//
// [Auditor] wraps a GORM handle and writes to the audit_logs table.
// [Auditor.Query] filters by session, host, event type, and time range with
// pagination. [Auditor.PurgeOlderThan] enforces the retention window and is
// scheduled by the pool sweeper.
//
// A nil *Auditor is valid and drops every event, so components may hold one
// unconditionally.
package sshaudit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/sessiond/internal/database"
	"github.com/gluk-w/claworc/sessiond/internal/logutil"
)

// Event types.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionReused      = "connection_reused"
	EventConnectionTerminated  = "connection_terminated"
	EventConnectionFailed      = "connection_failed"
	EventCommandExecution      = "command_execution"
	EventCommandRecorded       = "command_recorded"
	EventFileOperation         = "file_operation"
	EventTerminalSessionStart  = "terminal_session_start"
	EventTerminalSessionEnd    = "terminal_session_end"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	SessionID  string
	Host       string
	Username   string
	EventType  string
	Details    string
	DurationMs int64
}

// Auditor records and queries audit logs.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	log           zerolog.Logger
}

// NewAuditor creates an Auditor over db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		log:           log.With().Str("component", "ssh-audit").Logger(),
	}
}

// Log records an audit event to the database and the logger.
func (a *Auditor) Log(entry AuditEntry) error {
	if a == nil {
		return nil
	}
	record := database.AuditLog{
		SessionID: entry.SessionID,
		Host:      entry.Host,
		Username:  entry.Username,
		EventType: entry.EventType,
		Details:   entry.Details,
		Duration:  entry.DurationMs,
	}

	a.mu.Lock()
	err := a.db.Create(&record).Error
	a.mu.Unlock()
	if err != nil {
		a.log.Error().Err(err).Msg("failed to write audit log")
		return err
	}

	a.log.Info().
		Str("event", entry.EventType).
		Str("session", logutil.SanitizeForLog(entry.SessionID)).
		Str("host", logutil.SanitizeForLog(entry.Host)).
		Str("user", logutil.SanitizeForLog(entry.Username)).
		Str("details", logutil.SanitizeForLog(entry.Details)).
		Msg("audit")
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	Host      string
	EventType string
	Username  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days (the configured retention
// when days <= 0) and returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if a == nil {
		return 0, nil
	}
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		a.log.Error().Err(result.Error).Msg("purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.log.Info().Int64("deleted", result.RowsAffected).Int("days", days).Msg("purged old audit entries")
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
