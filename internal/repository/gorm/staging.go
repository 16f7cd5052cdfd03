package gormrepository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"ledgersync/internal/models"
	"ledgersync/internal/repository"
)

const stagedRecordSavePoint = "staged_record"

// UpsertStagedRecordTx writes one record inside tx behind its own savepoint,
// so a failed record leaves the rest of the page intact.
// Replacement is last-write-wins on updated_date_utc, never arrival order.
func (s *Store) UpsertStagedRecordTx(ctx context.Context, tx *gorm.DB, table string, item *models.StagedRecord) (repository.UpsertOutcome, error) {
	if tx == nil || item == nil {
		return "", nil
	}
	db := tx.WithContext(ctx)
	if err := db.SavePoint(stagedRecordSavePoint).Error; err != nil {
		return "", err
	}
	outcome, err := upsertStaged(db, table, item)
	if err != nil {
		if rbErr := db.RollbackTo(stagedRecordSavePoint).Error; rbErr != nil {
			return "", errors.Join(err, rbErr)
		}
		return "", err
	}
	return outcome, nil
}

func upsertStaged(db *gorm.DB, table string, item *models.StagedRecord) (repository.UpsertOutcome, error) {
	var existing models.StagedRecord
	err := db.Table(table).Where("external_id = ?", item.ExternalID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		item.FirstSeenAt = item.LastSyncedAt
		if err := db.Table(table).Create(item).Error; err != nil {
			return "", err
		}
		return repository.OutcomeInserted, nil
	}
	if err != nil {
		return "", err
	}
	if existing.PayloadHash == item.PayloadHash {
		return repository.OutcomeUnchanged, nil
	}
	if existing.UpdatedDateUTC != nil && item.UpdatedDateUTC != nil && item.UpdatedDateUTC.Before(*existing.UpdatedDateUTC) {
		return repository.OutcomeStale, nil
	}
	item.FirstSeenAt = existing.FirstSeenAt
	res := db.Table(table).
		Where("external_id = ?", item.ExternalID).
		Select("*").
		Updates(item)
	if res.Error != nil {
		return "", res.Error
	}
	return repository.OutcomeUpdated, nil
}

func (s *Store) GetStagedRecord(ctx context.Context, table string, externalID string) (*models.StagedRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.StagedRecord
	err := s.db.WithContext(ctx).Table(table).Where("external_id = ?", externalID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListStagedRecords(ctx context.Context, table string, params repository.ListStagedParams) ([]models.StagedRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := stagedFilters(s.db.WithContext(ctx).Table(table), params)
	query = applyOrder(query, "", params.Asc, "updated_date_utc")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.StagedRecord
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountStagedRecords(ctx context.Context, table string, params repository.ListStagedParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := stagedFilters(s.db.WithContext(ctx).Table(table), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func stagedFilters(query *gorm.DB, params repository.ListStagedParams) *gorm.DB {
	if params.UpdatedSince != nil && !params.UpdatedSince.IsZero() {
		query = query.Where("updated_date_utc >= ?", *params.UpdatedSince)
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.ContactID != nil && strings.TrimSpace(*params.ContactID) != "" {
		query = query.Where("contact_id = ?", strings.TrimSpace(*params.ContactID))
	}
	return query
}
