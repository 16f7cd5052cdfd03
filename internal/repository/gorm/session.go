package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"ledgersync/internal/models"
	"ledgersync/internal/repository"
)

// CreateSessionExclusive inserts a running session unless the tenant already owns a fresh one.
// Running sessions older than freshness are closed as abandoned in the same transaction.
// The partial unique index on (tenant_id) WHERE status = 'running' settles concurrent inserts.
func (s *Store) CreateSessionExclusive(ctx context.Context, session *models.SyncSession, freshness time.Duration) ([]string, error) {
	if s == nil || s.db == nil || session == nil {
		return nil, nil
	}
	var abandoned []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		abandoned = abandoned[:0]
		var running []models.SyncSession
		if err := tx.Where("tenant_id = ? AND status = ?", session.TenantID, models.SessionRunning).
			Find(&running).Error; err != nil {
			return err
		}
		now := session.StartedAt
		for _, item := range running {
			if now.Sub(item.StartedAt) < freshness {
				return repository.ErrRunningSessionExists
			}
			summary := fmt.Sprintf("abandoned: no progress since %s", item.StartedAt.UTC().Format(time.RFC3339))
			res := tx.Model(&models.SyncSession{}).
				Where("id = ? AND status = ?", item.ID, models.SessionRunning).
				Updates(map[string]any{
					"status":        models.SessionError,
					"completed_at":  now,
					"error_summary": summary,
				})
			if res.Error != nil {
				return res.Error
			}
			abandoned = append(abandoned, item.ID)
		}
		if err := tx.Create(session).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return repository.ErrRunningSessionExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return abandoned, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.SyncSession, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SyncSession
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSessions(ctx context.Context, params repository.ListSessionsParams) ([]models.SyncSession, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := sessionFilters(s.db.WithContext(ctx).Model(&models.SyncSession{}), params)
	query = applyOrder(query, "", params.Asc, "started_at")
	limit := normalizeLimit(params.Limit, 50)
	offset := normalizeOffset(params.Offset)
	var items []models.SyncSession
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSessions(ctx context.Context, params repository.ListSessionsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := sessionFilters(s.db.WithContext(ctx).Model(&models.SyncSession{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func sessionFilters(query *gorm.DB, params repository.ListSessionsParams) *gorm.DB {
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Type != nil && strings.TrimSpace(*params.Type) != "" {
		query = query.Where("type = ?", strings.TrimSpace(*params.Type))
	}
	return query
}

// UpdateSessionIf updates a session only while it is still in the expected status.
func (s *Store) UpdateSessionIf(ctx context.Context, id string, expect models.SessionStatus, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.SyncSession{}).
		Where("id = ? AND status = ?", id, expect).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) InsertSyncLog(ctx context.Context, item *models.SyncLog) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListSyncLogs(ctx context.Context, sessionID string) ([]models.SyncLog, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SyncLog
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
