package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// StagedRecord is the row shape shared by every staging_<entity> table.
type StagedRecord struct {
	ExternalID     string `gorm:"primaryKey;type:text"`
	UpdatedDateUTC *time.Time
	PayloadHash    string           `gorm:"type:text;not null;comment:sha256 of canonical payload"`
	Code           *string          `gorm:"type:text"`
	Name           *string          `gorm:"type:text"`
	Status         *string          `gorm:"type:text"`
	ContactID      *string          `gorm:"type:text"`
	CurrencyCode   *string          `gorm:"type:text"`
	Total          *decimal.Decimal `gorm:"type:numeric(20,4)"`
	RawJSON        datatypes.JSON
	SessionID      string    `gorm:"type:text;not null;default:''"`
	FirstSeenAt    time.Time `gorm:"not null"`
	LastSyncedAt   time.Time `gorm:"not null"`
}
