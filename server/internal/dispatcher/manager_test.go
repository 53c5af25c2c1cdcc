package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/audit"
	"github.com/renderfleet/renderfleet/server/internal/jobs"
	"github.com/renderfleet/renderfleet/server/internal/ledger"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
	"github.com/renderfleet/renderfleet/server/internal/testutil"
)

const (
	tenant = "acme"
	user   = "user-1"
)

type fixture struct {
	store  *store.Store
	ledger *ledger.Ledger
	mgr    *Manager
	clock  *testutil.Clock
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	s := testutil.NewStore(t)
	clock := testutil.NewClock()
	l := ledger.New(s, zap.NewNop())
	opts := Options{
		LeaseDuration:      5 * time.Minute,
		DefaultMaxAttempts: 3,
		Now:                clock.Now,
	}
	for _, c := range configure {
		c(&opts)
	}
	return &fixture{
		store:  s,
		ledger: l,
		mgr:    NewManager(s, l, audit.NewRecorder(s, nil), jobs.RefBuilder{}, opts),
		clock:  clock,
	}
}

// enqueue creates the tenant job and its dispatch.
func (f *fixture) enqueue(t *testing.T, jobID string, opts ...JobOption) *model.Dispatch {
	t.Helper()
	testutil.SeedJob(t, f.store, tenant, jobID, user)
	d, err := f.mgr.Enqueue(context.Background(), EnqueueRequest{
		TenantID:    tenant,
		TenantJobID: jobID,
		WorkflowID:  "wf-default",
		Stage:       model.StageProduction,
	}, opts...)
	require.NoError(t, err)
	return d
}

// enqueueReserved creates a job with amount tokens reserved against it.
func (f *fixture) enqueueReserved(t *testing.T, jobID string, amount int64, opts ...JobOption) *model.Dispatch {
	t.Helper()
	d := f.enqueue(t, jobID, opts...)
	require.NoError(t, f.ledger.Reserve(context.Background(), ledger.JobRef{TenantID: tenant, TenantJobID: jobID}, amount, nil))
	return d
}

func (f *fixture) poll(t *testing.T, workerID string) *LeaseOffer {
	t.Helper()
	offer, err := f.mgr.Poll(context.Background(), PollRequest{WorkerID: workerID, MaxConcurrency: 1})
	require.NoError(t, err)
	return offer
}

func (f *fixture) get(t *testing.T, id string) *model.Dispatch {
	t.Helper()
	d, err := f.mgr.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), tenant)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) countJobTx(t *testing.T, jobID string, txType model.TransactionType) int {
	t.Helper()
	txs, err := f.store.ListJobTransactions(context.Background(), tenant, jobID)
	require.NoError(t, err)
	n := 0
	for _, tx := range txs {
		if tx.Type == txType {
			n++
		}
	}
	return n
}

// --- Enqueue ---

func TestEnqueue_IdempotentPerTenantJob(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, "job-1", WithPriority(2))

	again, err := f.mgr.Enqueue(context.Background(), EnqueueRequest{TenantID: tenant, TenantJobID: "job-1"}, WithPriority(9))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Priority)

	counts, err := f.store.CountDispatchesByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.DispatchStatusQueued])
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Enqueue(ctx, EnqueueRequest{TenantID: tenant})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.mgr.Enqueue(ctx, EnqueueRequest{TenantID: tenant, TenantJobID: "j", Stage: "qa"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.mgr.Enqueue(ctx, EnqueueRequest{TenantID: tenant, TenantJobID: "j"}, WithMaxAttempts(0))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEnqueue_Defaults(t *testing.T) {
	f := newFixture(t)
	d := f.enqueue(t, "job-1", WithMetadata(map[string]any{"effect": "anime"}))

	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusQueued, got.Status)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.LeaseTokenHash)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Equal(t, "anime", got.Metadata["effect"])
}

// --- Poll ---

func TestPoll_LeasesWithOffer(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 2)
	d := f.enqueue(t, "job-1")

	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	assert.Equal(t, d.ID, offer.DispatchID)
	assert.Len(t, offer.LeaseToken, 64)
	assert.Equal(t, 1, offer.Attempt)
	assert.Equal(t, "jobs/acme/job-1/"+d.ID, offer.PayloadRef)
	assert.True(t, offer.LeaseExpiresAt.Equal(f.clock.Now().Add(5*time.Minute)))

	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusLeased, got.Status)
	assert.Equal(t, "gpu-1", *got.WorkerID)
	assert.NotEqual(t, offer.LeaseToken, *got.LeaseTokenHash, "only the digest is stored")
	assert.True(t, got.LeaseExpiresAt.Equal(offer.LeaseExpiresAt))
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	// Nothing left to lease.
	assert.Nil(t, f.poll(t, "gpu-1"))
}

func TestPoll_PriorityOrdering(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	f.enqueue(t, "low", WithPriority(0))
	high := f.enqueue(t, "high", WithPriority(5))

	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	assert.Equal(t, high.ID, offer.DispatchID)
}

func TestPoll_FIFOWithinPriority(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, jobID := range []string{"newer", "older"} {
		testutil.SeedJob(t, f.store, tenant, jobID, user)
		_, _, err := f.store.CreateDispatch(ctx, &model.Dispatch{
			ID:          jobID,
			TenantID:    tenant,
			TenantJobID: jobID,
			Status:      model.DispatchStatusQueued,
			Stage:       model.StageProduction,
			MaxAttempts: 3,
			CreatedAt:   base.Add(-time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	assert.Equal(t, "older", offer.DispatchID)
}

func TestPoll_NoCapacity(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	f.enqueue(t, "job-1")
	f.enqueue(t, "job-2")

	offer, err := f.mgr.Poll(context.Background(), PollRequest{WorkerID: "gpu-1", MaxConcurrency: 1, CurrentLoad: 1})
	require.NoError(t, err)
	assert.Nil(t, offer)

	counts, err := f.store.CountDispatchesByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.DispatchStatusQueued])

	w, err := f.store.GetWorker(context.Background(), "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentLoad, "self-report is stored even when nothing is leased")
}

func TestPoll_UnknownWorkerRegisteredUnapproved(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "job-1")

	assert.Nil(t, f.poll(t, "gpu-new"))

	w, err := f.store.GetWorker(context.Background(), "gpu-new")
	require.NoError(t, err)
	assert.False(t, w.IsApproved)
	assert.Equal(t, 1, w.MaxConcurrency)
}

func TestPoll_AutoApprove(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoApproveWorkers = true })
	d := f.enqueue(t, "job-1")

	offer := f.poll(t, "gpu-new")
	require.NotNil(t, offer)
	assert.Equal(t, d.ID, offer.DispatchID)
}

func TestPoll_DrainingWorker(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 4)
	require.NoError(t, f.store.UpdateWorker(context.Background(), "gpu-1", map[string]interface{}{"is_draining": true}))
	f.enqueue(t, "job-1")

	assert.Nil(t, f.poll(t, "gpu-1"))
}

func TestPoll_AttemptsCeiling(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1", WithMaxAttempts(1))
	_, err := f.store.UpdateDispatch(context.Background(), d.ID, model.DispatchStatusQueued, map[string]interface{}{"attempts": 1})
	require.NoError(t, err)

	assert.Nil(t, f.poll(t, "gpu-1"))
	assert.Equal(t, model.DispatchStatusQueued, f.get(t, d.ID).Status)
}

func TestPoll_StageWorkflowProviderFilters(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 4)
	ctx := context.Background()

	testutil.SeedJob(t, f.store, tenant, "staging-job", user)
	staging, err := f.mgr.Enqueue(ctx, EnqueueRequest{TenantID: tenant, TenantJobID: "staging-job", WorkflowID: "wf-a", Stage: model.StageStaging})
	require.NoError(t, err)
	testutil.SeedJob(t, f.store, tenant, "prod-job", user)
	prod, err := f.mgr.Enqueue(ctx, EnqueueRequest{TenantID: tenant, TenantJobID: "prod-job", WorkflowID: "wf-b", Stage: model.StageProduction, Provider: "runpod"}, WithPriority(10))
	require.NoError(t, err)

	offer, err := f.mgr.Poll(ctx, PollRequest{WorkerID: "gpu-1", MaxConcurrency: 4, Stages: []model.Stage{model.StageStaging}})
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, staging.ID, offer.DispatchID)

	offer, err = f.mgr.Poll(ctx, PollRequest{WorkerID: "gpu-1", MaxConcurrency: 4, Workflows: []string{"wf-b"}, Provider: "lambda"})
	require.NoError(t, err)
	assert.Nil(t, offer, "provider-pinned dispatch must not go to another provider")

	offer, err = f.mgr.Poll(ctx, PollRequest{WorkerID: "gpu-1", MaxConcurrency: 4, Workflows: []string{"wf-b"}, Provider: "runpod"})
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, prod.ID, offer.DispatchID)
}

func TestPoll_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Poll(ctx, PollRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.mgr.Poll(ctx, PollRequest{WorkerID: "gpu-1", CurrentLoad: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.mgr.Poll(ctx, PollRequest{WorkerID: "gpu-1", MaxConcurrency: 1, Stages: []model.Stage{"qa"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPoll_ConcurrentPollersAtMostOneLease(t *testing.T) {
	f := newFixture(t)
	const (
		workers    = 12
		dispatches = 5
	)
	for i := range workers {
		testutil.SeedWorker(t, f.store, fmt.Sprintf("gpu-%d", i), 1)
	}
	for i := range dispatches {
		f.enqueue(t, fmt.Sprintf("job-%d", i))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		offers = map[string][]string{}
	)
	for i := range workers {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			offer, err := f.mgr.Poll(context.Background(), PollRequest{WorkerID: workerID, MaxConcurrency: 1})
			assert.NoError(t, err)
			if offer == nil {
				return
			}
			mu.Lock()
			offers[offer.DispatchID] = append(offers[offer.DispatchID], workerID)
			mu.Unlock()
		}(fmt.Sprintf("gpu-%d", i))
	}
	wg.Wait()

	assert.Len(t, offers, dispatches)
	for id, holders := range offers {
		assert.Len(t, holders, 1, "dispatch %s leased more than once", id)
		d := f.get(t, id)
		assert.Equal(t, holders[0], *d.WorkerID)
	}
}

// --- Reclaim ---

func TestPoll_ReclaimsExpiredLease(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	testutil.SeedWorker(t, f.store, "gpu-2", 1)
	d := f.enqueue(t, "job-1")

	first := f.poll(t, "gpu-1")
	require.NotNil(t, first)
	assert.Equal(t, 1, f.get(t, d.ID).Attempts)

	f.clock.Advance(6 * time.Minute)

	// A poll from a full worker still runs the reclaim pass.
	offer, err := f.mgr.Poll(context.Background(), PollRequest{WorkerID: "gpu-2", MaxConcurrency: 1, CurrentLoad: 1})
	require.NoError(t, err)
	assert.Nil(t, offer)

	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusQueued, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.LeaseTokenHash)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Nil(t, got.StartedAt)

	second := f.poll(t, "gpu-2")
	require.NotNil(t, second)
	assert.Equal(t, d.ID, second.DispatchID)
	assert.Equal(t, 3, second.Attempt)
	assert.NotEqual(t, first.LeaseToken, second.LeaseToken)

	// The first holder's token is dead.
	assert.ErrorIs(t, f.mgr.Heartbeat(context.Background(), d.ID, first.LeaseToken, "gpu-1"), ErrNotFound)
}

func TestReclaim_ExhaustedLeaseFailsAndRefunds(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWallet(t, f.store, tenant, user, 30)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueueReserved(t, "job-1", 12, WithMaxAttempts(2))
	assert.Equal(t, int64(18), f.balance(t))

	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	f.clock.Advance(time.Hour)

	res, err := f.mgr.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReclaimResult{Exhausted: 1}, res)

	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "max attempts")
	assert.Nil(t, got.WorkerID)

	assert.Equal(t, int64(30), f.balance(t))
	assert.Equal(t, 1, f.countJobTx(t, "job-1", model.TransactionJobRefund))
	testutil.AssertBalanceConserved(t, f.store, tenant)

	// The holder learns the outcome without error, and nothing changes.
	require.NoError(t, f.mgr.Fail(context.Background(), d.ID, offer.LeaseToken, "gpu-1", "late"))
	assert.Equal(t, 1, f.countJobTx(t, "job-1", model.TransactionJobRefund))
	assert.Equal(t, int64(30), f.balance(t))
}

func TestReclaim_OrphanFailsWithoutRefund(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWallet(t, f.store, tenant, user, 10)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	leased := f.enqueueReserved(t, "job-held", 3)
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	require.Equal(t, leased.ID, offer.DispatchID)
	d := f.enqueueReserved(t, "job-gone", 4)
	ctx := context.Background()

	require.NoError(t, f.store.DeleteTenantJob(ctx, tenant, "job-gone"))
	require.NoError(t, f.store.DeleteTenantJob(ctx, tenant, "job-held"))

	res, err := f.mgr.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Orphaned)

	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.True(t, strings.HasPrefix(*got.LastError, "orphaned"))

	held := f.get(t, leased.ID)
	assert.Equal(t, model.DispatchStatusFailed, held.Status)
	assert.Nil(t, held.WorkerID)
	assert.Nil(t, held.LeaseTokenHash)

	assert.Equal(t, int64(3), f.balance(t), "orphaned reservations are not refunded")
	assert.Equal(t, 0, f.countJobTx(t, "job-gone", model.TransactionJobRefund))

	// the holder learns about the orphaning only when it reports back
	require.NoError(t, f.mgr.Complete(ctx, CompleteRequest{DispatchID: leased.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-1"}))
	require.NoError(t, f.mgr.Fail(ctx, leased.ID, offer.LeaseToken, "gpu-1", "CUDA out of memory"))

	held = f.get(t, leased.ID)
	assert.Equal(t, model.DispatchStatusFailed, held.Status)
	assert.True(t, strings.HasPrefix(*held.LastError, "orphaned"))
	assert.Equal(t, int64(3), f.balance(t))
	assert.Equal(t, 0, f.countJobTx(t, "job-held", model.TransactionJobConsume))
	assert.Equal(t, 0, f.countJobTx(t, "job-held", model.TransactionJobRefund))

	events, err := f.store.ListAuditEventsByDispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.DispatchOrphaned, events[len(events)-1].Event)

	events, err = f.store.ListAuditEventsByDispatch(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.DispatchOrphaned, events[len(events)-1].Event)
}

func TestReclaim_NothingToDo(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	f.enqueue(t, "job-1")
	require.NotNil(t, f.poll(t, "gpu-1"))

	res, err := f.mgr.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

// --- Heartbeat ---

func TestHeartbeat_ExtendsLease(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)

	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.mgr.Heartbeat(context.Background(), d.ID, offer.LeaseToken, "gpu-1"))

	got := f.get(t, d.ID)
	assert.True(t, got.LeaseExpiresAt.Equal(f.clock.Now().Add(5*time.Minute)))

	w, err := f.store.GetWorker(context.Background(), "gpu-1")
	require.NoError(t, err)
	assert.True(t, w.LastSeenAt.Equal(f.clock.Now()))

	// Past the original expiry but within the renewed one.
	f.clock.Advance(3 * time.Minute)
	res, err := f.mgr.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestHeartbeat_RejectsAsNotFound(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	assert.ErrorIs(t, f.mgr.Heartbeat(ctx, "no-such-dispatch", offer.LeaseToken, "gpu-1"), ErrNotFound)
	assert.ErrorIs(t, f.mgr.Heartbeat(ctx, d.ID, "forged", "gpu-1"), ErrNotFound)
	assert.ErrorIs(t, f.mgr.Heartbeat(ctx, d.ID, offer.LeaseToken, "gpu-2"), ErrNotFound)
	assert.ErrorIs(t, f.mgr.Heartbeat(ctx, d.ID, "", "gpu-1"), ErrNotFound)

	f.clock.Advance(5 * time.Minute)
	assert.ErrorIs(t, f.mgr.Heartbeat(ctx, d.ID, offer.LeaseToken, "gpu-1"), ErrNotFound, "expired lease")
}

func TestHeartbeat_RestoresStartedAt(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	_, err := f.store.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, map[string]interface{}{"started_at": nil})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.mgr.Heartbeat(ctx, d.ID, offer.LeaseToken, "gpu-1"))
	got := f.get(t, d.ID)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(f.clock.Now()))
}

// --- Complete / Fail ---

func TestComplete_IdempotentAndBilledOnce(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWallet(t, f.store, tenant, user, 20)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueueReserved(t, "job-1", 7)
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	f.clock.Advance(90 * time.Second)
	size := int64(2048)
	contentType := "video/mp4"
	req := CompleteRequest{
		DispatchID:        d.ID,
		LeaseToken:        offer.LeaseToken,
		WorkerID:          "gpu-1",
		OutputSizeBytes:   &size,
		OutputContentType: &contentType,
		Metadata:          map[string]any{"frames": 240},
	}
	require.NoError(t, f.mgr.Complete(ctx, req))
	require.NoError(t, f.mgr.Complete(ctx, req))

	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusCompleted, got.Status)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.LeaseTokenHash)
	assert.Nil(t, got.LeaseExpiresAt)
	require.NotNil(t, got.DurationSeconds)
	assert.InDelta(t, 90.0, *got.DurationSeconds, 0.001)
	assert.Equal(t, json.Number("240"), got.Metadata["result"].(map[string]any)["frames"])

	assert.Equal(t, 1, f.countJobTx(t, "job-1", model.TransactionJobConsume))

	// Fail after complete with the same token: success, no refund.
	require.NoError(t, f.mgr.Fail(ctx, d.ID, offer.LeaseToken, "gpu-1", "too late"))
	assert.Equal(t, model.DispatchStatusCompleted, f.get(t, d.ID).Status)
	assert.Equal(t, 0, f.countJobTx(t, "job-1", model.TransactionJobRefund))
	assert.Equal(t, int64(13), f.balance(t))

	job, err := f.store.GetTenantJob(ctx, tenant, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), job.ConsumedTokens)
	require.NotNil(t, job.OutputSizeBytes)
	assert.Equal(t, size, *job.OutputSizeBytes)
	assert.Equal(t, contentType, *job.OutputContentType)

	testutil.AssertBalanceConserved(t, f.store, tenant)
}

func TestComplete_DurationUnsetWithoutStartObservation(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	_, err := f.store.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, map[string]interface{}{"started_at": nil})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-1"}))
	assert.Nil(t, f.get(t, d.ID).DurationSeconds)
}

func TestFail_RefundsOnceAndWinsOverLateComplete(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWallet(t, f.store, tenant, user, 10)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueueReserved(t, "job-j", 5)
	assert.Equal(t, int64(5), f.balance(t))
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	require.NoError(t, f.mgr.Fail(ctx, d.ID, offer.LeaseToken, "gpu-1", "CUDA out of memory"))
	assert.Equal(t, int64(10), f.balance(t))

	require.NoError(t, f.mgr.Fail(ctx, d.ID, offer.LeaseToken, "gpu-1", "CUDA out of memory"))
	assert.Equal(t, int64(10), f.balance(t))
	assert.Equal(t, 1, f.countJobTx(t, "job-j", model.TransactionJobRefund))

	require.NoError(t, f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-1"}))
	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusFailed, got.Status)
	assert.Equal(t, "CUDA out of memory", *got.LastError)
	assert.Equal(t, 0, f.countJobTx(t, "job-j", model.TransactionJobConsume))

	testutil.AssertBalanceConserved(t, f.store, tenant)
}

func TestTerminal_ForeignTokenIsNotFound(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	require.NoError(t, f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-1"}))

	err := f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: "someone-else", WorkerID: "gpu-1"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.mgr.Fail(ctx, d.ID, "someone-else", "gpu-1", "x"), ErrNotFound)

	// the finishing token is only honoured from the worker that held it
	err = f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-2"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.mgr.Fail(ctx, d.ID, offer.LeaseToken, "gpu-2", "x"), ErrNotFound)
	require.NoError(t, f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-1"}))
	assert.Equal(t, model.DispatchStatusCompleted, f.get(t, d.ID).Status)
	assert.ErrorIs(t, f.mgr.Requeue(ctx, d.ID, offer.LeaseToken, "gpu-1", "spot"), ErrNotFound)
}

func TestComplete_StaleTokenAfterReclaim(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	testutil.SeedWorker(t, f.store, "gpu-2", 1)
	d := f.enqueue(t, "job-1")
	stale := f.poll(t, "gpu-1")
	require.NotNil(t, stale)
	ctx := context.Background()

	f.clock.Advance(10 * time.Minute)
	fresh := f.poll(t, "gpu-2")
	require.NotNil(t, fresh)
	require.Equal(t, d.ID, fresh.DispatchID)

	err := f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: stale.LeaseToken, WorkerID: "gpu-1"})
	assert.ErrorIs(t, err, ErrNotFound)

	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusLeased, got.Status)
	assert.Equal(t, "gpu-2", *got.WorkerID)
}

func TestComplete_MissingJobStillCompletes(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	require.NoError(t, f.store.DeleteTenantJob(ctx, tenant, "job-1"))
	require.NoError(t, f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-1"}))
	assert.Equal(t, model.DispatchStatusCompleted, f.get(t, d.ID).Status)
}

// --- Requeue ---

func TestRequeue_ReleasesWithoutCountingAttempt(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	require.NoError(t, f.mgr.Requeue(ctx, d.ID, offer.LeaseToken, "gpu-1", "spot-interruption"))

	got := f.get(t, d.ID)
	assert.Equal(t, model.DispatchStatusQueued, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.LeaseTokenHash)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, "requeued: spot-interruption", *got.LastError)

	// Redundant requeue with the released token.
	assert.ErrorIs(t, f.mgr.Requeue(ctx, d.ID, offer.LeaseToken, "gpu-1", "spot-interruption"), ErrNotFound)

	again := f.poll(t, "gpu-1")
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempt)
	require.NoError(t, f.mgr.Requeue(ctx, d.ID, again.LeaseToken, "gpu-1", "rebalance-recommendation"))
	assert.Equal(t, "requeued: spot-interruption; requeued: rebalance-recommendation", *f.get(t, d.ID).LastError)
}

func TestRequeue_AttemptsFloor(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	_, err := f.store.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, map[string]interface{}{"attempts": 0})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Requeue(ctx, d.ID, offer.LeaseToken, "gpu-1", "sigterm"))
	assert.Zero(t, f.get(t, d.ID).Attempts)
}

// --- Audit ---

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	testutil.SeedWorker(t, f.store, "gpu-1", 1)
	d := f.enqueue(t, "job-1")
	offer := f.poll(t, "gpu-1")
	require.NotNil(t, offer)
	ctx := context.Background()

	require.NoError(t, f.mgr.Heartbeat(ctx, d.ID, offer.LeaseToken, "gpu-1"))
	require.NoError(t, f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-1"}))
	require.NoError(t, f.mgr.Complete(ctx, CompleteRequest{DispatchID: d.ID, LeaseToken: offer.LeaseToken, WorkerID: "gpu-1"}))

	events, err := f.store.ListAuditEventsByDispatch(ctx, d.ID)
	require.NoError(t, err)
	var names []string
	for _, e := range events {
		names = append(names, e.Event)
	}
	assert.Equal(t, []string{audit.DispatchEnqueued, audit.DispatchLeased, audit.DispatchCompleted}, names)
}
