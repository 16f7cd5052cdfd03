package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"ledgersync/internal/client/accounting"
	"ledgersync/internal/models"
	"ledgersync/internal/repository"
)

type StagingWriter struct {
	Store           repository.StagingRepository
	Logger          *zap.Logger
	MaxErrorDetails int
	Now             func() time.Time
}

type RecordError struct {
	Index      int    `json:"index"`
	ExternalID string `json:"external_id,omitempty"`
	Message    string `json:"message"`
}

type UpsertResult struct {
	Inserted     int           `json:"inserted"`
	Updated      int           `json:"updated"`
	Unchanged    int           `json:"unchanged"`
	Failed       int           `json:"failed"`
	MaxUpdatedAt *time.Time    `json:"max_updated_at,omitempty"`
	Errors       []RecordError `json:"errors,omitempty"`
}

// Processed counts records that reached a durable state, including no-ops.
func (r UpsertResult) Processed() int {
	return r.Inserted + r.Updated + r.Unchanged
}

// Upsert writes records in their own transaction.
func (w *StagingWriter) Upsert(ctx context.Context, entity models.EntityType, records []json.RawMessage, sessionID string) (UpsertResult, error) {
	var result UpsertResult
	err := w.Store.InTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = w.UpsertTx(ctx, tx, entity, records, sessionID)
		return err
	})
	return result, err
}

// UpsertTx writes records inside tx. A bad record is counted and skipped; only a
// failure of the transaction itself aborts the page.
func (w *StagingWriter) UpsertTx(ctx context.Context, tx *gorm.DB, entity models.EntityType, records []json.RawMessage, sessionID string) (UpsertResult, error) {
	var result UpsertResult
	desc, ok := models.Describe(entity)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrInvalidEntityType, entity)
	}
	now := time.Now().UTC()
	if w.Now != nil {
		now = w.Now().UTC()
	}
	table := desc.TableName()
	for i, raw := range records {
		item, err := buildStagedRecord(desc, i, raw, sessionID, now)
		if err != nil {
			w.fail(&result, i, "", err)
			continue
		}
		outcome, err := w.Store.UpsertStagedRecordTx(ctx, tx, table, item)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			w.fail(&result, i, item.ExternalID, err)
			continue
		}
		switch outcome {
		case repository.OutcomeInserted:
			result.Inserted++
		case repository.OutcomeUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
		if !desc.Unversioned {
			result.MaxUpdatedAt = maxTime(result.MaxUpdatedAt, item.UpdatedDateUTC)
		}
	}
	return result, nil
}

func (w *StagingWriter) fail(result *UpsertResult, index int, externalID string, err error) {
	result.Failed++
	if w.Logger != nil {
		w.Logger.Warn("staging record rejected",
			zap.Int("index", index),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
	}
	limit := w.MaxErrorDetails
	if limit <= 0 {
		limit = 50
	}
	if len(result.Errors) >= limit {
		return
	}
	result.Errors = append(result.Errors, RecordError{Index: index, ExternalID: externalID, Message: err.Error()})
}

func buildStagedRecord(desc models.EntityDescriptor, index int, raw json.RawMessage, sessionID string, now time.Time) (*models.StagedRecord, error) {
	malformed := func(id, reason string) error {
		return &MalformedRecordError{Entity: desc.Type, Index: index, ExternalID: id, Reason: reason}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, malformed("", "invalid json: "+err.Error())
	}
	if fields == nil {
		return nil, malformed("", "record is not an object")
	}

	id := stringField(fields, desc.IDField)
	if id == "" {
		return nil, malformed("", "missing "+desc.IDField)
	}

	var updatedAt *time.Time
	if rawDate := stringField(fields, "UpdatedDateUTC"); rawDate != "" {
		t, err := accounting.ParseDate(rawDate)
		if err != nil {
			return nil, malformed(id, err.Error())
		}
		updatedAt = &t
	} else if !desc.Unversioned {
		return nil, malformed(id, "missing UpdatedDateUTC")
	}

	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, malformed(id, err.Error())
	}
	sum := sha256.Sum256(canonical)

	item := &models.StagedRecord{
		ExternalID:     id,
		UpdatedDateUTC: updatedAt,
		PayloadHash:    hex.EncodeToString(sum[:]),
		Code:           optionalField(fields, desc.CodeField),
		Name:           optionalField(fields, desc.NameField),
		Status:         optionalField(fields, desc.StatusField),
		ContactID:      nestedField(fields, desc.ContactPath),
		CurrencyCode:   optionalField(fields, desc.CurrencyField),
		RawJSON:        datatypes.JSON(canonical),
		SessionID:      sessionID,
		LastSyncedAt:   now,
	}
	if desc.AmountField != "" {
		if amount, ok, err := decimalField(fields, desc.AmountField); err != nil {
			return nil, malformed(id, err.Error())
		} else if ok {
			item.Total = &amount
		}
	}
	return item, nil
}

func stringField(fields map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func optionalField(fields map[string]any, key string) *string {
	return strPtr(stringField(fields, key))
}

func nestedField(fields map[string]any, path []string) *string {
	if len(path) == 0 {
		return nil
	}
	current := fields
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return optionalField(current, path[len(path)-1])
}

func decimalField(fields map[string]any, key string) (decimal.Decimal, bool, error) {
	switch v := fields[key].(type) {
	case nil:
		return decimal.Decimal{}, false, nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("%s: %w", key, err)
		}
		return d, true, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Decimal{}, false, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("%s: %w", key, err)
		}
		return d, true, nil
	default:
		return decimal.Decimal{}, false, errors.New(key + ": not a number")
	}
}

func strPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func mustJSON(v any) datatypes.JSON {
	payload, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(payload)
}
