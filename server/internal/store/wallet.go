package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/renderfleet/renderfleet/server/internal/model"
)

// --- Token Wallets ---

// EnsureWallet creates an empty wallet for the tenant if none exists.
func (s *Store) EnsureWallet(ctx context.Context, tenantID, userID string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.TokenWallet{TenantID: tenantID, UserID: userID}).Error
}

// GetWallet retrieves a tenant's wallet without locking it.
func (s *Store) GetWallet(ctx context.Context, tenantID string) (*model.TokenWallet, error) {
	var w model.TokenWallet
	if err := s.db.WithContext(ctx).First(&w, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// GetWalletForUpdate retrieves a tenant's wallet and holds an exclusive row
// lock until the surrounding transaction ends.
func (s *Store) GetWalletForUpdate(ctx context.Context, tenantID string) (*model.TokenWallet, error) {
	var w model.TokenWallet
	if err := s.forUpdate(ctx).First(&w, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// SetWalletBalance overwrites a wallet's balance.
func (s *Store) SetWalletBalance(ctx context.Context, tenantID string, balance int64) error {
	return s.db.WithContext(ctx).Model(&model.TokenWallet{}).
		Where("tenant_id = ?", tenantID).
		Update("balance", balance).Error
}

// --- Token Transactions ---

// CreateTransaction appends a ledger entry. Returns ErrDuplicate when a
// unique index rejects it.
func (s *Store) CreateTransaction(ctx context.Context, t *model.TokenTransaction) error {
	if t.Type.JobScoped() && t.JobID == nil {
		return fmt.Errorf("%s entry without a job id", t.Type)
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// FindJobTransaction returns the job-scoped entry of the given type, or ErrNotFound.
func (s *Store) FindJobTransaction(ctx context.Context, tenantID, jobID string, txType model.TransactionType) (*model.TokenTransaction, error) {
	var t model.TokenTransaction
	err := s.db.WithContext(ctx).
		First(&t, "tenant_id = ? AND job_id = ? AND type = ?", tenantID, jobID, txType).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindCreditTransaction returns the credit recorded for an external payment
// transaction, or ErrNotFound.
func (s *Store) FindCreditTransaction(ctx context.Context, tenantID, providerTransactionID string) (*model.TokenTransaction, error) {
	var t model.TokenTransaction
	err := s.db.WithContext(ctx).
		First(&t, "tenant_id = ? AND provider_transaction_id = ?", tenantID, providerTransactionID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ListTransactions returns a tenant's ledger, newest first.
func (s *Store) ListTransactions(ctx context.Context, tenantID string, limit int) ([]model.TokenTransaction, error) {
	var txs []model.TokenTransaction
	query := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&txs).Error
	return txs, err
}

// ListJobTransactions returns every entry recorded for a job, oldest first.
func (s *Store) ListJobTransactions(ctx context.Context, tenantID, jobID string) ([]model.TokenTransaction, error) {
	var txs []model.TokenTransaction
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND job_id = ?", tenantID, jobID).
		Order("created_at ASC, id ASC").
		Find(&txs).Error
	return txs, err
}

// SumTransactions returns the signed sum of a tenant's ledger entries.
func (s *Store) SumTransactions(ctx context.Context, tenantID string) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Model(&model.TokenTransaction{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}
