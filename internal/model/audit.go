package model

import (
	"encoding/json"
	"time"
)

// AuditLevel orders audit log severity for the configured logLevel floor.
type AuditLevel string

const (
	AuditLevelDebug AuditLevel = "debug"
	AuditLevelInfo  AuditLevel = "info"
	AuditLevelWarn  AuditLevel = "warn"
	AuditLevelError AuditLevel = "error"
)

var auditLevelRank = map[AuditLevel]int{
	AuditLevelDebug: 0,
	AuditLevelInfo:  1,
	AuditLevelWarn:  2,
	AuditLevelError: 3,
}

// AtLeast reports whether l is at or above the floor level.
func (l AuditLevel) AtLeast(floor AuditLevel) bool {
	return auditLevelRank[l] >= auditLevelRank[floor]
}

// AuditConfig controls whether and how audit events are persisted
// (spec §3/§4.5).
type AuditConfig struct {
	Enabled         bool
	LogLevel        AuditLevel
	RetentionDays   int
	LogEvents       []string
	IncludeData     bool
	IncludeMetadata bool
	CompressOldLogs bool
	MaxLogSize      int
}

// AuditRecord is one append-only audit log entry (spec §3).
type AuditRecord struct {
	ID        string                 `json:"id"`
	QueueID   string                 `json:"queueId"`
	EventType string                 `json:"eventType"`
	Level     AuditLevel             `json:"level"`
	Timestamp time.Time              `json:"timestamp"`
	Data      json.RawMessage        `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
