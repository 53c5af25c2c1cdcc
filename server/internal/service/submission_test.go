package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderfleet/renderfleet/server/internal/audit"
	"github.com/renderfleet/renderfleet/server/internal/dispatcher"
	"github.com/renderfleet/renderfleet/server/internal/ledger"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
	"github.com/renderfleet/renderfleet/server/internal/testutil"
)

func newSubmissionService(t *testing.T) (*SubmissionService, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	l := ledger.New(s, nil)
	m := dispatcher.NewManager(s, l, audit.NewRecorder(s, nil), nil, dispatcher.Options{})
	return NewSubmissionService(s, l, m, nil), s
}

func submitReq(job string, tokens int64) SubmitRequest {
	return SubmitRequest{
		TenantID:    "acme",
		TenantJobID: job,
		UserID:      "user-1",
		WorkflowID:  "wf-anime",
		Stage:       model.StageProduction,
		Tokens:      tokens,
		Priority:    2,
	}
}

func TestSubmit_ReservesAndQueues(t *testing.T) {
	svc, s := newSubmissionService(t)
	testutil.SeedWallet(t, s, "acme", "user-1", 30)
	ctx := context.Background()

	d, err := svc.Submit(ctx, submitReq("job-1", 12))
	require.NoError(t, err)
	assert.Equal(t, model.DispatchStatusQueued, d.Status)
	assert.Equal(t, 2, d.Priority)
	assert.Equal(t, "wf-anime", d.WorkflowID)

	w, err := s.GetWallet(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(18), w.Balance)

	job, err := s.GetTenantJob(ctx, "acme", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), job.ReservedTokens)

	events, err := s.ListAuditEventsByDispatch(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.DispatchEnqueued, events[0].Event)
}

func TestSubmit_RetryReturnsExistingDispatch(t *testing.T) {
	svc, s := newSubmissionService(t)
	testutil.SeedWallet(t, s, "acme", "user-1", 30)
	ctx := context.Background()

	first, err := svc.Submit(ctx, submitReq("job-1", 12))
	require.NoError(t, err)
	again, err := svc.Submit(ctx, submitReq("job-1", 12))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	w, err := s.GetWallet(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(18), w.Balance, "retry must not charge twice")
	testutil.AssertBalanceConserved(t, s, "acme")
}

func TestSubmit_InsufficientFundsWritesNothing(t *testing.T) {
	svc, s := newSubmissionService(t)
	testutil.SeedWallet(t, s, "acme", "user-1", 5)
	ctx := context.Background()

	_, err := svc.Submit(ctx, submitReq("job-big", 6))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = s.GetTenantJob(ctx, "acme", "job-big")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetDispatchByTenantJob(ctx, "acme", "job-big")
	assert.ErrorIs(t, err, store.ErrNotFound)

	w, err := s.GetWallet(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(5), w.Balance)
}

func TestSubmit_FreeJobNeedsNoWalletFunds(t *testing.T) {
	svc, _ := newSubmissionService(t)

	d, err := svc.Submit(context.Background(), submitReq("job-free", 0))
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
}

func TestSubmit_Validation(t *testing.T) {
	svc, s := newSubmissionService(t)
	testutil.SeedWallet(t, s, "acme", "user-1", 30)
	ctx := context.Background()

	req := submitReq("job-1", 5)
	req.UserID = ""
	_, err := svc.Submit(ctx, req)
	assert.ErrorIs(t, err, dispatcher.ErrInvalidRequest)

	_, err = svc.Submit(ctx, submitReq("job-neg", -1))
	assert.ErrorIs(t, err, dispatcher.ErrInvalidRequest)

	req = submitReq("job-2", 5)
	req.Stage = "qa"
	_, err = svc.Submit(ctx, req)
	assert.ErrorIs(t, err, dispatcher.ErrInvalidRequest)
	_, err = s.GetTenantJob(ctx, "acme", "job-2")
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected submission rolls back")

	_, err = svc.Submit(ctx, submitReq("job-3", 5))
	require.NoError(t, err)
	req = submitReq("job-3", 5)
	req.UserID = "intruder"
	_, err = svc.Submit(ctx, req)
	assert.ErrorIs(t, err, dispatcher.ErrInvalidRequest)
}
