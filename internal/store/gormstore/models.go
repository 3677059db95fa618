package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditPackage represents the credit_packages catalog table.
type CreditPackage struct {
	PackageID       string    `gorm:"primaryKey"`
	Name            string    `gorm:"not null"`
	Credits         int64     `gorm:"not null"`
	PriceCents      int64     `gorm:"not null"`
	DiscountPercent int64     `gorm:"not null;default:0"`
	Active          bool      `gorm:"not null;default:true;index"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (CreditPackage) TableName() string { return "credit_packages" }

// CreditAccount mirrors the credit_accounts table, one row per user. The
// row is a materialized cache of the transaction log and is only written
// through the compare-and-swap update.
type CreditAccount struct {
	UserID           string `gorm:"primaryKey"`
	CreditsRemaining int64  `gorm:"not null;check:credits_remaining >= 0"`
	CreditsTotal     int64  `gorm:"not null"`
	ExpiresAt        *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
// Reference carries the purchase/refund de-duplication key; its unique
// index is what makes webhook retries safe at the storage layer.
type CreditTransaction struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement"`
	EntryID     string  `gorm:"type:uuid;not null;uniqueIndex"`
	UserID      string  `gorm:"not null;index:idx_credit_tx_user_created,priority:1"`
	Type        string  `gorm:"not null"`
	Delta       int64   `gorm:"not null"`
	PackageID   *string `gorm:""`
	BookingID   *string `gorm:"index"`
	Reference   *string `gorm:"uniqueIndex:uniq_credit_tx_reference"`
	Description string  `gorm:""`
	Metadata    datatypes.JSON
	CreatedAt   time.Time `gorm:"not null;index:idx_credit_tx_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.EntryID == "" {
		transaction.EntryID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates the schema for all store tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CreditPackage{}, &CreditAccount{}, &CreditTransaction{})
}
