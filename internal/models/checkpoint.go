package models

import "time"

type CheckpointStatus string

const (
	CheckpointIdle      CheckpointStatus = "idle"
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointError     CheckpointStatus = "error"
)

type Checkpoint struct {
	EntityType             EntityType       `gorm:"primaryKey;type:text;comment:entity type"`
	Cursor                 *time.Time       `gorm:"comment:highest UpdatedDateUTC committed"`
	HasMoreRecords         bool             `gorm:"not null;default:false"`
	Status                 CheckpointStatus `gorm:"type:text;not null;default:idle"`
	ErrorMessage           *string          `gorm:"type:text"`
	ConsecutiveErrorCount  int              `gorm:"not null;default:0"`
	RateLimitHitCount      int              `gorm:"not null;default:0"`
	LastSuccessfulSyncAt   *time.Time
	LastAttemptAt          *time.Time
	TotalSyncCount         int     `gorm:"not null;default:0"`
	AverageDurationSeconds float64 `gorm:"not null;default:0"`
	SessionID              *string `gorm:"type:text;comment:owning session while running"`
	RunStartedAt           *time.Time
	Version                int64 `gorm:"not null;default:0;comment:bumped on every write"`
	UpdatedAt              time.Time
}

func (Checkpoint) TableName() string {
	return "sync_checkpoints"
}

// CursorOrEpoch returns the stored cursor, or the zero time when none was committed.
func (c Checkpoint) CursorOrEpoch() time.Time {
	if c.Cursor == nil {
		return time.Time{}
	}
	return c.Cursor.UTC()
}

// IsStale reports whether a running checkpoint was started longer than staleAfter ago.
func (c Checkpoint) IsStale(now time.Time, staleAfter time.Duration) bool {
	if c.Status != CheckpointRunning {
		return false
	}
	if c.RunStartedAt == nil {
		return true
	}
	return now.Sub(*c.RunStartedAt) >= staleAfter
}
