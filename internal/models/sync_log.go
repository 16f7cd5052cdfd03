package models

import (
	"time"

	"gorm.io/datatypes"
)

type LogStatus string

const (
	LogCompleted LogStatus = "completed"
	LogError     LogStatus = "error"
	LogCancelled LogStatus = "cancelled"
	LogSkipped   LogStatus = "skipped"
)

// SyncLog is append-only: one row per entity attempt within a session.
type SyncLog struct {
	ID               uint64     `gorm:"primaryKey;autoIncrement"`
	SessionID        string     `gorm:"type:text;not null;index"`
	EntityType       EntityType `gorm:"type:text;not null;index"`
	Status           LogStatus  `gorm:"type:text;not null"`
	StartedAt        time.Time  `gorm:"not null"`
	CompletedAt      time.Time  `gorm:"not null"`
	DurationMs       int64      `gorm:"not null;default:0"`
	RecordsRequested int        `gorm:"not null;default:0"`
	RecordsReceived  int        `gorm:"not null;default:0"`
	RecordsProcessed int        `gorm:"not null;default:0"`
	RecordsInserted  int        `gorm:"not null;default:0"`
	RecordsUpdated   int        `gorm:"not null;default:0"`
	RecordsFailed    int        `gorm:"not null;default:0"`
	PagesFetched     int        `gorm:"not null;default:0"`
	APICallsMade     int        `gorm:"column:api_calls_made;not null;default:0"`
	RateLimitHits    int        `gorm:"not null;default:0"`
	CursorBefore     *time.Time
	CursorAfter      *time.Time
	ErrorDetails     datatypes.JSON `gorm:"comment:error message and per-record failures"`
}

func (SyncLog) TableName() string {
	return "sync_logs"
}
