package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type SessionType string

const (
	SessionManual    SessionType = "manual"
	SessionScheduled SessionType = "scheduled"
	SessionInitial   SessionType = "initial"
)

type SessionScope string

const (
	ScopeFull           SessionScope = "full"
	ScopeIncremental    SessionScope = "incremental"
	ScopeEntitySpecific SessionScope = "entity-specific"
)

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
	SessionCancelled SessionStatus = "cancelled"
)

type SyncSession struct {
	ID                    string         `gorm:"primaryKey;type:text"`
	TenantID              string         `gorm:"type:text;not null;default:''"`
	Type                  SessionType    `gorm:"type:text;not null"`
	Scope                 SessionScope   `gorm:"type:text;not null"`
	TargetEntities        datatypes.JSON `gorm:"comment:ordered entity list"`
	Status                SessionStatus  `gorm:"type:text;not null;index"`
	ForceFull             bool           `gorm:"not null;default:false"`
	StartedAt             time.Time      `gorm:"not null;index"`
	CompletedAt           *time.Time
	TotalRecordsProcessed int     `gorm:"not null;default:0"`
	TotalAPICalls         int     `gorm:"column:total_api_calls;not null;default:0"`
	SuccessRate           float64 `gorm:"not null;default:0;comment:completed entities percent"`
	EntitiesTotal         int     `gorm:"not null;default:0"`
	EntitiesFailed        int     `gorm:"not null;default:0"`
	InitiatedBy           string  `gorm:"type:text;not null;default:''"`
	ErrorSummary          *string `gorm:"type:text"`
	CancelledBy           *string `gorm:"type:text"`
	CancelledAt           *time.Time
	UpdatedAt             time.Time
}

func (SyncSession) TableName() string {
	return "sync_sessions"
}

func (s SyncSession) Targets() []EntityType {
	if len(s.TargetEntities) == 0 {
		return nil
	}
	var out []EntityType
	if err := json.Unmarshal(s.TargetEntities, &out); err != nil {
		return nil
	}
	return out
}

func TargetsJSON(entities []EntityType) datatypes.JSON {
	b, err := json.Marshal(entities)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(b)
}
