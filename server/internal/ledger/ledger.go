// Package ledger meters tenant token spend against prepaid wallets.
//
// Every balance change is an append-only TokenTransaction written in the same
// database transaction as the wallet update, with the wallet row exclusively
// locked for the read-modify-write. Job-scoped entries (reserve, consume,
// refund) are unique per job, which makes every operation safe to retry.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

var (
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrWalletOwnerMismatch = errors.New("ledger: wallet belongs to a different user")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrMissingPaymentID    = errors.New("ledger: payment transaction id is required")
	ErrJobNotFound         = errors.New("ledger: job not found")
	ErrWalletNotFound      = errors.New("ledger: wallet not found")
)

// JobRef identifies the tenant job a ledger entry belongs to.
type JobRef struct {
	TenantID    string
	TenantJobID string
}

// Purchase identifies who a payment credit is for.
type Purchase struct {
	TenantID string
	UserID   string
}

// Payment identifies the external payment a credit came from. The provider
// transaction ID is the idempotency key for credits.
type Payment struct {
	ProviderTransactionID string
}

// Ledger implements reserve/consume/refund/credit over the wallet store.
type Ledger struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a Ledger.
func New(s *store.Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: s, logger: logger.Named("ledger")}
}

// Reserve holds amount tokens for a job. It is a no-op when amount <= 0 or the
// job already has a reservation.
func (l *Ledger) Reserve(ctx context.Context, job JobRef, amount int64, metadata map[string]any) error {
	return l.store.Transaction(ctx, func(tx *store.Store) error {
		return l.ReserveTx(ctx, tx, job, amount, metadata)
	})
}

// Consume finalises a job's spend. The reserved tokens already left the
// balance, so the entry has amount zero and exists to make "was this job's
// spend finalised" queryable and idempotent.
func (l *Ledger) Consume(ctx context.Context, job JobRef, metadata map[string]any) error {
	return l.store.Transaction(ctx, func(tx *store.Store) error {
		return l.ConsumeTx(ctx, tx, job, metadata)
	})
}

// Refund returns a job's reserved tokens to the wallet.
func (l *Ledger) Refund(ctx context.Context, job JobRef, metadata map[string]any) error {
	return l.store.Transaction(ctx, func(tx *store.Store) error {
		return l.RefundTx(ctx, tx, job, metadata)
	})
}

// ReserveTx is Reserve inside a caller-owned transaction.
func (l *Ledger) ReserveTx(ctx context.Context, tx *store.Store, ref JobRef, amount int64, metadata map[string]any) error {
	if amount <= 0 {
		return nil
	}
	job, err := loadJob(ctx, tx, ref)
	if err != nil {
		return err
	}
	wallet, err := lockWallet(ctx, tx, job.TenantID, job.UserID)
	if err != nil {
		return err
	}
	if wallet.UserID != job.UserID {
		return ErrWalletOwnerMismatch
	}

	exists, err := hasJobTransaction(ctx, tx, job, model.TransactionJobReserve)
	if err != nil || exists {
		return err
	}
	if wallet.Balance < amount {
		return ErrInsufficientFunds
	}

	balance := wallet.Balance - amount
	if err := appendJobTransaction(ctx, tx, job, model.TransactionJobReserve, -amount, balance, metadata); err != nil {
		return err
	}
	if job.ReservedTokens < amount {
		if err := tx.UpdateTenantJob(ctx, job.TenantID, job.TenantJobID, map[string]interface{}{
			"reserved_tokens": amount,
		}); err != nil {
			return fmt.Errorf("record reserved amount: %w", err)
		}
	}

	l.logger.Info("tokens reserved",
		zap.String("tenant_id", job.TenantID),
		zap.String("job_id", job.TenantJobID),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance),
	)
	return nil
}

// ConsumeTx is Consume inside a caller-owned transaction.
func (l *Ledger) ConsumeTx(ctx context.Context, tx *store.Store, ref JobRef, metadata map[string]any) error {
	job, err := loadJob(ctx, tx, ref)
	if err != nil {
		return err
	}
	wallet, err := lockWallet(ctx, tx, job.TenantID, job.UserID)
	if err != nil {
		return err
	}

	done, err := hasJobTransaction(ctx, tx, job, model.TransactionJobConsume)
	if err != nil || done {
		return err
	}
	refunded, err := hasJobTransaction(ctx, tx, job, model.TransactionJobRefund)
	if err != nil {
		return err
	}
	if refunded {
		l.logger.Warn("consume skipped for refunded job",
			zap.String("tenant_id", job.TenantID),
			zap.String("job_id", job.TenantJobID),
		)
		return nil
	}

	if err := appendJobTransaction(ctx, tx, job, model.TransactionJobConsume, 0, wallet.Balance, metadata); err != nil {
		return err
	}
	if err := tx.UpdateTenantJob(ctx, job.TenantID, job.TenantJobID, map[string]interface{}{
		"consumed_tokens": job.ReservedTokens,
	}); err != nil {
		return fmt.Errorf("record consumed amount: %w", err)
	}

	l.logger.Info("tokens consumed",
		zap.String("tenant_id", job.TenantID),
		zap.String("job_id", job.TenantJobID),
		zap.Int64("amount", job.ReservedTokens),
	)
	return nil
}

// RefundTx is Refund inside a caller-owned transaction.
func (l *Ledger) RefundTx(ctx context.Context, tx *store.Store, ref JobRef, metadata map[string]any) error {
	job, err := loadJob(ctx, tx, ref)
	if err != nil {
		return err
	}
	wallet, err := lockWallet(ctx, tx, job.TenantID, job.UserID)
	if err != nil {
		return err
	}

	done, err := hasJobTransaction(ctx, tx, job, model.TransactionJobRefund)
	if err != nil || done {
		return err
	}
	if job.ReservedTokens <= 0 {
		return nil
	}
	consumed, err := hasJobTransaction(ctx, tx, job, model.TransactionJobConsume)
	if err != nil {
		return err
	}
	if consumed {
		l.logger.Warn("refund skipped for consumed job",
			zap.String("tenant_id", job.TenantID),
			zap.String("job_id", job.TenantJobID),
		)
		return nil
	}

	balance := wallet.Balance + job.ReservedTokens
	if err := appendJobTransaction(ctx, tx, job, model.TransactionJobRefund, job.ReservedTokens, balance, metadata); err != nil {
		return err
	}

	l.logger.Info("tokens refunded",
		zap.String("tenant_id", job.TenantID),
		zap.String("job_id", job.TenantJobID),
		zap.Int64("amount", job.ReservedTokens),
		zap.Int64("balance", balance),
	)
	return nil
}

// CreditFromPayment adds purchased tokens to a tenant's wallet. A repeated
// call with the same provider transaction ID is a silent no-op, so payment
// webhooks can be retried freely.
func (l *Ledger) CreditFromPayment(ctx context.Context, purchase Purchase, payment Payment, amount int64, metadata map[string]any) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if payment.ProviderTransactionID == "" {
		return ErrMissingPaymentID
	}

	return l.store.Transaction(ctx, func(tx *store.Store) error {
		wallet, err := lockWallet(ctx, tx, purchase.TenantID, purchase.UserID)
		if err != nil {
			return err
		}

		_, err = tx.FindCreditTransaction(ctx, purchase.TenantID, payment.ProviderTransactionID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("look up credit: %w", err)
		}

		providerID := payment.ProviderTransactionID
		balance := wallet.Balance + amount
		entry := &model.TokenTransaction{
			TenantID:              purchase.TenantID,
			UserID:                purchase.UserID,
			Amount:                amount,
			Type:                  model.TransactionPaymentCredit,
			ProviderTransactionID: &providerID,
			BalanceAfter:          balance,
			Metadata:              datatypes.JSONMap(metadata),
		}
		if err := tx.CreateTransaction(ctx, entry); err != nil {
			return fmt.Errorf("append credit: %w", err)
		}
		if err := tx.SetWalletBalance(ctx, purchase.TenantID, balance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		l.logger.Info("tokens credited",
			zap.String("tenant_id", purchase.TenantID),
			zap.String("provider_transaction_id", providerID),
			zap.Int64("amount", amount),
			zap.Int64("balance", balance),
		)
		return nil
	})
}

// Balance returns a tenant's wallet.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (*model.TokenWallet, error) {
	w, err := l.store.GetWallet(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// Transactions returns a tenant's most recent ledger entries.
func (l *Ledger) Transactions(ctx context.Context, tenantID string, limit int) ([]model.TokenTransaction, error) {
	return l.store.ListTransactions(ctx, tenantID, limit)
}

func loadJob(ctx context.Context, tx *store.Store, ref JobRef) (*model.TenantJob, error) {
	job, err := tx.GetTenantJob(ctx, ref.TenantID, ref.TenantJobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// lockWallet creates the wallet on first use and locks it.
func lockWallet(ctx context.Context, tx *store.Store, tenantID, userID string) (*model.TokenWallet, error) {
	if err := tx.EnsureWallet(ctx, tenantID, userID); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	w, err := tx.GetWalletForUpdate(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return w, nil
}

func hasJobTransaction(ctx context.Context, tx *store.Store, job *model.TenantJob, txType model.TransactionType) (bool, error) {
	_, err := tx.FindJobTransaction(ctx, job.TenantID, job.TenantJobID, txType)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("look up %s: %w", txType, err)
}

func appendJobTransaction(ctx context.Context, tx *store.Store, job *model.TenantJob, txType model.TransactionType, amount, balance int64, metadata map[string]any) error {
	jobID := job.TenantJobID
	entry := &model.TokenTransaction{
		TenantID:     job.TenantID,
		UserID:       job.UserID,
		Amount:       amount,
		Type:         txType,
		JobID:        &jobID,
		BalanceAfter: balance,
		Metadata:     datatypes.JSONMap(metadata),
	}
	if err := tx.CreateTransaction(ctx, entry); err != nil {
		return fmt.Errorf("append %s: %w", txType, err)
	}
	if amount != 0 {
		if err := tx.SetWalletBalance(ctx, job.TenantID, balance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
	}
	return nil
}
