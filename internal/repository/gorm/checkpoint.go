package gormrepository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledgersync/internal/models"
	"ledgersync/internal/repository"
)

func (s *Store) GetCheckpoint(ctx context.Context, entity models.EntityType) (*models.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var cp models.Checkpoint
	err := s.db.WithContext(ctx).First(&cp, "entity_type = ?", entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// EnsureCheckpoint returns the checkpoint row, creating an idle one on first use.
func (s *Store) EnsureCheckpoint(ctx context.Context, entity models.EntityType) (*models.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	seed := models.Checkpoint{EntityType: entity, Status: models.CheckpointIdle}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, err
	}
	return s.GetCheckpoint(ctx, entity)
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]models.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Checkpoint
	if err := s.db.WithContext(ctx).Order("entity_type asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateCheckpointIf(ctx context.Context, entity models.EntityType, guard repository.CheckpointGuard, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	return s.UpdateCheckpointIfTx(ctx, s.db, entity, guard, updates)
}

// UpdateCheckpointIfTx applies updates only when the row still matches guard.
// It reports false when another writer got there first.
func (s *Store) UpdateCheckpointIfTx(ctx context.Context, tx *gorm.DB, entity models.EntityType, guard repository.CheckpointGuard, updates map[string]any) (bool, error) {
	if tx == nil {
		return false, nil
	}
	query := tx.WithContext(ctx).Model(&models.Checkpoint{}).Where("entity_type = ?", entity)
	if guard.Status != "" {
		query = query.Where("status = ?", guard.Status)
	}
	if guard.SessionID != "" {
		query = query.Where("session_id = ?", guard.SessionID)
	}
	if guard.Version != nil {
		query = query.Where("version = ?", *guard.Version)
	}
	values := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	values["version"] = gorm.Expr("version + 1")
	res := query.Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
