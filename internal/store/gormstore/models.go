package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerEntry mirrors the ledger_entries table. Rows are insert-only; the
// unique indexes on sequence_number and idempotency_key are what turn
// concurrent appends into typed conflicts.
type LedgerEntry struct {
	EntryID        string    `gorm:"type:uuid;primaryKey"`
	SequenceNumber int64     `gorm:"not null;index:uniq_ledger_sequence,unique"`
	DebitAccount   string    `gorm:"not null;index:idx_ledger_debit_created,priority:1"`
	CreditAccount  string    `gorm:"not null;index:idx_ledger_credit_created,priority:1"`
	Amount         int64     `gorm:"not null"`
	Currency       string    `gorm:"not null"`
	EntryType      string    `gorm:"not null"`
	ReferenceID    string    `gorm:"index:idx_ledger_reference"`
	ReferenceType  string    `gorm:""`
	IdempotencyKey string    `gorm:"not null;index:uniq_ledger_idem,unique"`
	EntryHash      string    `gorm:"not null"`
	PreviousHash   string    `gorm:"not null"`
	CreatedBy      string    `gorm:""`
	CreatedAt      time.Time `gorm:"not null;index:idx_ledger_debit_created,priority:2;index:idx_ledger_credit_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// AccountBalance is the materialized running balance per account. Rows are
// created lazily on the first delta touching the account.
type AccountBalance struct {
	Account   string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// PaymentIntent mirrors the payment_intents table.
type PaymentIntent struct {
	IntentID         string         `gorm:"type:uuid;primaryKey"`
	UserID           string         `gorm:"not null;index:idx_intents_user_created,priority:1"`
	Provider         string         `gorm:"not null;index:uniq_intent_provider,unique,priority:1"`
	ProviderIntentID string         `gorm:"not null;index:uniq_intent_provider,unique,priority:2"`
	AmountMinorUnits int64          `gorm:"not null"`
	Currency         string         `gorm:"not null"`
	CreditsAmount    int64          `gorm:"not null"`
	Status           string         `gorm:"not null;index:idx_intents_status"`
	StatusHistory    datatypes.JSON `gorm:"not null"`
	IdempotencyKey   string         `gorm:"not null;index:uniq_intent_idem,unique"`
	CreditsAdded     bool           `gorm:"not null;default:false"`
	CreditsRefunded  bool           `gorm:"not null;default:false"`
	FulfillmentTxID  string         `gorm:""`
	RefundTxID       string         `gorm:""`
	Metadata         datatypes.JSON `gorm:"not null"`
	RetryCount       int            `gorm:"not null;default:0"`
	LastError        string         `gorm:""`
	CreatedAt        time.Time      `gorm:"not null;index:idx_intents_user_created,priority:2"`
	ExpiresAt        time.Time      `gorm:"not null;index:idx_intents_expires"`
	CompletedAt      *time.Time     `gorm:""`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// Migrate creates or updates the schema for all gormstore tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&LedgerEntry{}, &AccountBalance{}, &PaymentIntent{})
}
