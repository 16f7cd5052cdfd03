package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"ledgersync/internal/models"
	"ledgersync/internal/repository"
)

// CheckpointStore owns every checkpoint transition. All writes are compare-and-swap;
// a lost race returns ErrConcurrentSyncConflict and the caller abandons the entity.
type CheckpointStore struct {
	Repo       repository.CheckpointRepository
	StaleAfter time.Duration
	Now        func() time.Time
}

type AdvanceParams struct {
	Prior          *time.Time
	Seen           *time.Time
	HasMoreRecords bool
}

type FinishOutcome string

const (
	FinishCompleted FinishOutcome = "completed"
	FinishError     FinishOutcome = "error"
	FinishCancelled FinishOutcome = "cancelled"
)

type FinishParams struct {
	Outcome       FinishOutcome
	ErrorMessage  string
	RateLimitHits int
	Duration      time.Duration
	// Snapshot is the checkpoint as returned by Begin; running averages derive from it.
	Snapshot models.Checkpoint
}

func (s *CheckpointStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Read returns the checkpoint for entity, creating an idle row the first time.
func (s *CheckpointStore) Read(ctx context.Context, entity models.EntityType) (*models.Checkpoint, error) {
	if _, ok := models.Describe(entity); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntityType, entity)
	}
	return s.Repo.EnsureCheckpoint(ctx, entity)
}

func (s *CheckpointStore) List(ctx context.Context) ([]models.Checkpoint, error) {
	return s.Repo.ListCheckpoints(ctx)
}

// Begin claims entity for sessionID. A running checkpoint is only taken over once it is stale.
func (s *CheckpointStore) Begin(ctx context.Context, entity models.EntityType, sessionID string) (*models.Checkpoint, error) {
	cp, err := s.Read(ctx, entity)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if cp.Status == models.CheckpointRunning && !cp.IsStale(now, s.StaleAfter) {
		return nil, fmt.Errorf("%w: %s is owned by session %s", ErrConcurrentSyncConflict, entity, derefString(cp.SessionID))
	}
	version := cp.Version
	ok, err := s.Repo.UpdateCheckpointIf(ctx, entity, repository.CheckpointGuard{
		Status:  cp.Status,
		Version: &version,
	}, map[string]any{
		"status":          models.CheckpointRunning,
		"session_id":      sessionID,
		"run_started_at":  now,
		"last_attempt_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s changed while claiming", ErrConcurrentSyncConflict, entity)
	}
	claimed := *cp
	claimed.Status = models.CheckpointRunning
	claimed.SessionID = &sessionID
	claimed.RunStartedAt = &now
	claimed.LastAttemptAt = &now
	claimed.Version = version + 1
	return &claimed, nil
}

// AdvanceTx moves the cursor inside the page transaction. The cursor only moves forward.
// It returns the cursor now stored.
func (s *CheckpointStore) AdvanceTx(ctx context.Context, tx *gorm.DB, entity models.EntityType, sessionID string, params AdvanceParams) (*time.Time, error) {
	cursor := maxTime(params.Prior, params.Seen)
	updates := map[string]any{
		"has_more_records": params.HasMoreRecords,
	}
	if cursor != nil {
		updates["cursor"] = *cursor
	}
	ok, err := s.Repo.UpdateCheckpointIfTx(ctx, tx, entity, repository.CheckpointGuard{
		Status:    models.CheckpointRunning,
		SessionID: sessionID,
	}, updates)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s no longer owned by session %s", ErrConcurrentSyncConflict, entity, sessionID)
	}
	return cursor, nil
}

// Finish releases the claim and records the outcome of the run.
func (s *CheckpointStore) Finish(ctx context.Context, entity models.EntityType, sessionID string, params FinishParams) error {
	now := s.now()
	updates := map[string]any{
		"session_id":           nil,
		"run_started_at":       nil,
		"rate_limit_hit_count": gorm.Expr("rate_limit_hit_count + ?", params.RateLimitHits),
		"last_attempt_at":      now,
	}
	switch params.Outcome {
	case FinishCompleted:
		runs := params.Snapshot.TotalSyncCount + 1
		avg := params.Snapshot.AverageDurationSeconds + (params.Duration.Seconds()-params.Snapshot.AverageDurationSeconds)/float64(runs)
		updates["status"] = models.CheckpointCompleted
		updates["has_more_records"] = false
		updates["error_message"] = nil
		updates["consecutive_error_count"] = 0
		updates["last_successful_sync_at"] = now
		updates["total_sync_count"] = runs
		updates["average_duration_seconds"] = avg
	case FinishError:
		updates["status"] = models.CheckpointError
		updates["error_message"] = truncate(params.ErrorMessage, 2000)
		updates["consecutive_error_count"] = gorm.Expr("consecutive_error_count + 1")
	case FinishCancelled:
		updates["status"] = models.CheckpointIdle
	default:
		return fmt.Errorf("unknown finish outcome %q", params.Outcome)
	}
	ok, err := s.Repo.UpdateCheckpointIf(ctx, entity, repository.CheckpointGuard{
		Status:    models.CheckpointRunning,
		SessionID: sessionID,
	}, updates)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s no longer owned by session %s", ErrConcurrentSyncConflict, entity, sessionID)
	}
	return nil
}

// ReleaseSession returns every checkpoint still claimed by sessionID to idle. Cursors stay
// at the last committed page.
func (s *CheckpointStore) ReleaseSession(ctx context.Context, sessionID string) ([]models.EntityType, error) {
	items, err := s.Repo.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	var released []models.EntityType
	for _, cp := range items {
		if cp.Status != models.CheckpointRunning || derefString(cp.SessionID) != sessionID {
			continue
		}
		err := s.Finish(ctx, cp.EntityType, sessionID, FinishParams{Outcome: FinishCancelled, Snapshot: cp})
		if errors.Is(err, ErrConcurrentSyncConflict) {
			continue
		}
		if err != nil {
			return released, err
		}
		released = append(released, cp.EntityType)
	}
	return released, nil
}

// Reset rewinds entity to the epoch so the next run re-fetches everything.
func (s *CheckpointStore) Reset(ctx context.Context, entity models.EntityType) (*models.Checkpoint, error) {
	cp, err := s.Read(ctx, entity)
	if err != nil {
		return nil, err
	}
	if cp.Status == models.CheckpointRunning && !cp.IsStale(s.now(), s.StaleAfter) {
		return nil, fmt.Errorf("%w: %s is running in session %s", ErrConcurrentSyncConflict, entity, derefString(cp.SessionID))
	}
	version := cp.Version
	ok, err := s.Repo.UpdateCheckpointIf(ctx, entity, repository.CheckpointGuard{
		Status:  cp.Status,
		Version: &version,
	}, map[string]any{
		"cursor":                  nil,
		"has_more_records":        false,
		"status":                  models.CheckpointIdle,
		"error_message":           nil,
		"consecutive_error_count": 0,
		"rate_limit_hit_count":    0,
		"session_id":              nil,
		"run_started_at":          nil,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s changed during reset", ErrConcurrentSyncConflict, entity)
	}
	return s.Repo.GetCheckpoint(ctx, entity)
}

func maxTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := b.UTC()
		return &t
	case b == nil || !b.After(*a):
		t := a.UTC()
		return &t
	default:
		t := b.UTC()
		return &t
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
