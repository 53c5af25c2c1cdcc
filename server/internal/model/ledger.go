package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TransactionType classifies a token ledger entry.
type TransactionType string

const (
	TransactionPaymentCredit TransactionType = "PAYMENT_CREDIT"
	TransactionJobReserve    TransactionType = "JOB_RESERVE"
	TransactionJobConsume    TransactionType = "JOB_CONSUME"
	TransactionJobRefund     TransactionType = "JOB_REFUND"
)

// JobScoped reports whether at most one entry of this type may exist per job.
func (t TransactionType) JobScoped() bool {
	return t == TransactionJobReserve || t == TransactionJobConsume || t == TransactionJobRefund
}

// TokenWallet holds a tenant's prepaid token balance. Balance only changes in
// the same database transaction that appends the matching TokenTransaction.
type TokenWallet struct {
	TenantID  string    `gorm:"column:tenant_id;primaryKey;type:text" json:"tenant_id"`
	UserID    string    `gorm:"column:user_id;not null;type:text" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TokenWallet) TableName() string { return "token_wallets" }

// TokenTransaction is an immutable ledger entry. JobID is nil for credits;
// ProviderTransactionID is nil for job-scoped entries. SQL treats NULLs as
// distinct, so each unique index only constrains the rows it is meant for.
type TokenTransaction struct {
	ID                    string            `gorm:"primaryKey;type:text" json:"id"`
	TenantID              string            `gorm:"column:tenant_id;not null;type:text;uniqueIndex:idx_tx_tenant_job_type;uniqueIndex:idx_tx_tenant_provider;index" json:"tenant_id"`
	UserID                string            `gorm:"column:user_id;not null;type:text" json:"user_id"`
	Amount                int64             `gorm:"not null" json:"amount"`
	Type                  TransactionType   `gorm:"not null;type:text;uniqueIndex:idx_tx_tenant_job_type" json:"type"`
	JobID                 *string           `gorm:"column:job_id;type:text;uniqueIndex:idx_tx_tenant_job_type" json:"job_id,omitempty"`
	ProviderTransactionID *string           `gorm:"column:provider_transaction_id;type:text;uniqueIndex:idx_tx_tenant_provider" json:"provider_transaction_id,omitempty"`
	BalanceAfter          int64             `gorm:"column:balance_after;not null" json:"balance_after"`
	Metadata              datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt             time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TokenTransaction) TableName() string { return "token_transactions" }

func (t *TokenTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}
