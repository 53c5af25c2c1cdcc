//go:build integration

package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/renderfleet/renderfleet/server/internal/audit"
	"github.com/renderfleet/renderfleet/server/internal/jobs"
	"github.com/renderfleet/renderfleet/server/internal/ledger"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
	"github.com/renderfleet/renderfleet/server/internal/testutil"
)

// setupPostgres starts a Postgres container and returns a migrated Store.
func setupPostgres(t *testing.T) *store.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("renderfleet_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(16)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return store.New(db)
}

func TestPostgres_ConcurrentPollersLeaseEachDispatchOnce(t *testing.T) {
	s := setupPostgres(t)
	l := ledger.New(s, nil)
	m := NewManager(s, l, audit.NewRecorder(s, nil), jobs.RefBuilder{}, Options{LeaseDuration: time.Minute})
	ctx := context.Background()

	const (
		workers    = 8
		dispatches = 40
	)
	for i := range workers {
		testutil.SeedWorker(t, s, fmt.Sprintf("gpu-%d", i), 1)
	}
	for i := range dispatches {
		jobID := fmt.Sprintf("job-%d", i)
		testutil.SeedJob(t, s, "acme", jobID, "u")
		_, err := m.Enqueue(ctx, EnqueueRequest{TenantID: "acme", TenantJobID: jobID}, WithPriority(i%3))
		require.NoError(t, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased = map[string]int{}
	)
	for i := range workers {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				offer, err := m.Poll(ctx, PollRequest{WorkerID: workerID, MaxConcurrency: 1})
				if !assert.NoError(t, err) || offer == nil {
					return
				}
				mu.Lock()
				leased[offer.DispatchID]++
				mu.Unlock()
				assert.NoError(t, m.Complete(ctx, CompleteRequest{DispatchID: offer.DispatchID, LeaseToken: offer.LeaseToken, WorkerID: workerID}))
			}
		}(fmt.Sprintf("gpu-%d", i))
	}
	wg.Wait()

	assert.Len(t, leased, dispatches)
	for id, n := range leased {
		assert.Equal(t, 1, n, "dispatch %s leased %d times", id, n)
	}
	counts, err := s.CountDispatchesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(dispatches), counts[model.DispatchStatusCompleted])
}

func TestPostgres_ConcurrentReservesNeverOverdraw(t *testing.T) {
	s := setupPostgres(t)
	l := ledger.New(s, nil)
	ctx := context.Background()
	testutil.SeedWallet(t, s, "acme", "u", 50)

	const jobs = 12
	for i := range jobs {
		testutil.SeedJob(t, s, "acme", fmt.Sprintf("job-%d", i), "u")
	}

	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Reserve(ctx, ledger.JobRef{TenantID: "acme", TenantJobID: fmt.Sprintf("job-%d", i)}, 10, nil)
			if err != nil {
				assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
			}
		}(i)
	}
	wg.Wait()

	w, err := s.GetWallet(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
	testutil.AssertBalanceConserved(t, s, "acme")
}
