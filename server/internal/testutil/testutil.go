// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

// NewStore creates a migrated SQLite database in a per-test temp directory.
// The pool is limited to one connection so transactions serialise the way
// SQLite's single writer would under load.
func NewStore(t testing.TB) *store.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	return store.New(db)
}

// Clock is a settable time source.
type Clock struct {
	now time.Time
}

// NewClock returns a clock frozen at a fixed UTC instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// SeedJob inserts a tenant job owned by userID.
func SeedJob(t testing.TB, s *store.Store, tenantID, jobID, userID string) *model.TenantJob {
	t.Helper()
	job, err := s.CreateTenantJob(context.Background(), &model.TenantJob{
		TenantID:    tenantID,
		TenantJobID: jobID,
		UserID:      userID,
		WorkflowID:  "wf-default",
		Stage:       model.StageProduction,
	})
	require.NoError(t, err)
	return job
}

// SeedWallet creates a wallet holding balance tokens with a matching credit
// entry, so the wallet's ledger sums to its balance.
func SeedWallet(t testing.TB, s *store.Store, tenantID, userID string, balance int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureWallet(ctx, tenantID, userID))
	if balance == 0 {
		return
	}
	ref := "seed-" + tenantID
	require.NoError(t, s.CreateTransaction(ctx, &model.TokenTransaction{
		TenantID:              tenantID,
		UserID:                userID,
		Amount:                balance,
		Type:                  model.TransactionPaymentCredit,
		ProviderTransactionID: &ref,
		BalanceAfter:          balance,
	}))
	require.NoError(t, s.SetWalletBalance(ctx, tenantID, balance))
}

// SeedWorker registers an approved worker.
func SeedWorker(t testing.TB, s *store.Store, workerID string, maxConcurrency int) *model.Worker {
	t.Helper()
	w := &model.Worker{
		WorkerID:       workerID,
		MaxConcurrency: maxConcurrency,
		IsApproved:     true,
		LastSeenAt:     time.Now().UTC(),
	}
	require.NoError(t, s.CreateWorker(context.Background(), w))
	return w
}

// AssertBalanceConserved checks that a tenant's balance equals the signed sum
// of its ledger entries.
func AssertBalanceConserved(t testing.TB, s *store.Store, tenantID string) {
	t.Helper()
	ctx := context.Background()
	w, err := s.GetWallet(ctx, tenantID)
	require.NoError(t, err)
	sum, err := s.SumTransactions(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, w.Balance, sum, "balance must equal the sum of ledger entries")
}
