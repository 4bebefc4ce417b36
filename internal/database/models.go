package database

import "time"

// AuditLog is one audit trail record.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;size:64" json:"session_id"`
	Host      string    `gorm:"index" json:"host"`
	Username  string    `json:"username"`
	EventType string    `gorm:"index;not null" json:"event_type"`
	Details   string    `gorm:"type:text" json:"details"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// CommandRecord is a command the user ran in a session.
type CommandRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index;size:64;not null" json:"session_id"`
	Host       string    `json:"host"`
	Command    string    `gorm:"type:text;not null" json:"command"`
	ExecutedAt time.Time `gorm:"index" json:"executed_at"`
}
