package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderfleet/renderfleet/server/internal/audit"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
	"github.com/renderfleet/renderfleet/server/internal/testutil"
)

// recordingSink collects audit events in memory.
type recordingSink struct {
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, e audit.Event) {
	r.events = append(r.events, e)
}

func (r *recordingSink) names() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

func newWorkerService(t *testing.T) (*WorkerService, *store.Store, *recordingSink) {
	t.Helper()
	s := testutil.NewStore(t)
	sink := &recordingSink{}
	return NewWorkerService(s, sink, nil), s, sink
}

func TestWorkerService_Lifecycle(t *testing.T) {
	svc, _, sink := newWorkerService(t)
	ctx := context.Background()

	w, err := svc.Register(ctx, RegisterRequest{WorkerID: "gpu-1", MaxConcurrency: 2, Provider: "runpod"})
	require.NoError(t, err)
	assert.False(t, w.IsApproved)

	_, err = svc.Register(ctx, RegisterRequest{WorkerID: "gpu-1"})
	assert.ErrorIs(t, err, ErrWorkerExists)

	w, err = svc.Approve(ctx, "gpu-1")
	require.NoError(t, err)
	assert.True(t, w.IsApproved)

	w, err = svc.Drain(ctx, "gpu-1", true)
	require.NoError(t, err)
	assert.True(t, w.IsDraining)

	w, err = svc.Drain(ctx, "gpu-1", false)
	require.NoError(t, err)
	assert.False(t, w.IsDraining)

	workers, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)

	require.NoError(t, svc.Deregister(ctx, "gpu-1"))
	_, err = svc.Get(ctx, "gpu-1")
	assert.ErrorIs(t, err, ErrWorkerNotFound)

	assert.Equal(t, []string{
		audit.WorkerRegistered,
		audit.WorkerApproved,
		audit.WorkerDraining,
		audit.WorkerDraining,
		audit.WorkerDeregistered,
	}, sink.names())
}

func TestWorkerService_UnknownWorker(t *testing.T) {
	svc, _, sink := newWorkerService(t)
	ctx := context.Background()

	_, err := svc.Approve(ctx, "ghost")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
	_, err = svc.Drain(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
	assert.ErrorIs(t, svc.Deregister(ctx, "ghost"), ErrWorkerNotFound)
	assert.Empty(t, sink.events)
}

func TestWorkerService_DeregisterBusyWorker(t *testing.T) {
	svc, s, _ := newWorkerService(t)
	ctx := context.Background()
	testutil.SeedWorker(t, s, "gpu-1", 1)

	d, _, err := s.CreateDispatch(ctx, &model.Dispatch{
		TenantID: "acme", TenantJobID: "job-1", Status: model.DispatchStatusQueued, MaxAttempts: 3,
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	ok, err := s.ClaimDispatch(ctx, d.ID, "gpu-1", "h", now.Add(time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, svc.Deregister(ctx, "gpu-1"), ErrWorkerBusy)
	_, err = svc.Get(ctx, "gpu-1")
	assert.NoError(t, err)
}

func TestWorkerService_RegisterDefaultsConcurrency(t *testing.T) {
	svc, _, _ := newWorkerService(t)

	w, err := svc.Register(context.Background(), RegisterRequest{WorkerID: "gpu-1", Approve: true})
	require.NoError(t, err)
	assert.Equal(t, 1, w.MaxConcurrency)
	assert.True(t, w.IsApproved)
}
