package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID string          `gorm:"primaryKey"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Version   int64           `gorm:"not null"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Render mirrors the renders table. ReservedCredits, CreditsFinalized and
// LedgerVersion are written only by the ledger.
type Render struct {
	RenderID         string              `gorm:"primaryKey"`
	AccountID        string              `gorm:"not null;index:idx_renders_account_created,priority:1"`
	ProjectID        string              `gorm:"not null;index"`
	Kind             string              `gorm:"not null"`
	Status           string              `gorm:"not null"`
	Prompt           string              `gorm:"type:text;not null"`
	ReservedCredits  decimal.Decimal     `gorm:"type:numeric(20,6);not null"`
	CreditsFinalized bool                `gorm:"not null"`
	LedgerVersion    int64               `gorm:"not null"`
	EstimatedCredits decimal.NullDecimal `gorm:"type:numeric(20,6)"`
	FinalCostCredits decimal.NullDecimal `gorm:"type:numeric(20,6)"`
	ProviderJobID    *string             `gorm:"uniqueIndex:uniq_renders_provider_job_id"`
	OutputAssetURL   string              `gorm:"type:text"`
	WatermarkURL     string              `gorm:"type:text"`
	Error            string              `gorm:"type:text"`
	UsageMetadata    datatypes.JSON      `gorm:"type:jsonb"`
	CreatedAt        time.Time           `gorm:"not null;index:idx_renders_account_created,priority:2"`
	UpdatedAt        time.Time           `gorm:"not null"`
}

func (Render) TableName() string { return "renders" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID  string          `gorm:"type:uuid;primaryKey"`
	AccountID      string          `gorm:"not null;index:idx_credit_transactions_account_created,priority:1"`
	RenderID       *string         `gorm:"index"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Direction      string          `gorm:"not null"`
	Reason         string          `gorm:"not null"`
	Metadata       datatypes.JSON  `gorm:"type:jsonb;not null"`
	IdempotencyKey *string         `gorm:"uniqueIndex:uniq_credit_transactions_idempotency_key"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_credit_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// UsageEvent mirrors the usage_events table.
type UsageEvent struct {
	EventID   string         `gorm:"primaryKey"`
	AccountID string         `gorm:"not null;index:idx_usage_events_account_created,priority:1"`
	RenderID  *string        `gorm:"index"`
	EventType string         `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_usage_events_account_created,priority:2"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &Render{}, &CreditTransaction{}, &UsageEvent{}}
}
