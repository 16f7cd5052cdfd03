package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"ledgersync/internal/models"
)

var (
	// ErrRunningSessionExists is returned when a tenant already owns a fresh running session.
	ErrRunningSessionExists = errors.New("running session exists")
	ErrNotFound             = errors.New("record not found")
)

// CheckpointGuard is the compare side of a checkpoint compare-and-swap.
// Empty fields are not compared.
type CheckpointGuard struct {
	Status    models.CheckpointStatus
	SessionID string
	Version   *int64
}

type UpsertOutcome string

const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
	OutcomeStale     UpsertOutcome = "stale"
)

type CheckpointRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetCheckpoint(ctx context.Context, entity models.EntityType) (*models.Checkpoint, error)
	EnsureCheckpoint(ctx context.Context, entity models.EntityType) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]models.Checkpoint, error)
	UpdateCheckpointIf(ctx context.Context, entity models.EntityType, guard CheckpointGuard, updates map[string]any) (bool, error)
	UpdateCheckpointIfTx(ctx context.Context, tx *gorm.DB, entity models.EntityType, guard CheckpointGuard, updates map[string]any) (bool, error)
}

type SessionRepository interface {
	CreateSessionExclusive(ctx context.Context, session *models.SyncSession, freshness time.Duration) (abandoned []string, err error)
	GetSession(ctx context.Context, id string) (*models.SyncSession, error)
	ListSessions(ctx context.Context, params ListSessionsParams) ([]models.SyncSession, error)
	CountSessions(ctx context.Context, params ListSessionsParams) (int64, error)
	UpdateSessionIf(ctx context.Context, id string, expect models.SessionStatus, updates map[string]any) (bool, error)
	InsertSyncLog(ctx context.Context, item *models.SyncLog) error
	ListSyncLogs(ctx context.Context, sessionID string) ([]models.SyncLog, error)
}

type StagingRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	UpsertStagedRecordTx(ctx context.Context, tx *gorm.DB, table string, item *models.StagedRecord) (UpsertOutcome, error)
	GetStagedRecord(ctx context.Context, table string, externalID string) (*models.StagedRecord, error)
	ListStagedRecords(ctx context.Context, table string, params ListStagedParams) ([]models.StagedRecord, error)
	CountStagedRecords(ctx context.Context, table string, params ListStagedParams) (int64, error)
}

// Repository is the full persistence surface of the sync engine.
type Repository interface {
	CheckpointRepository
	SessionRepository
	StagingRepository
}

type ListSessionsParams struct {
	Limit  int
	Offset int
	Status *string
	Type   *string
	Asc    *bool
}

type ListStagedParams struct {
	Limit        int
	Offset       int
	UpdatedSince *time.Time
	Status       *string
	ContactID    *string
	Asc          *bool
}
