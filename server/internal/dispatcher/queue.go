package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/audit"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

// EnqueueRequest identifies the tenant job a new dispatch serves.
type EnqueueRequest struct {
	TenantID    string
	TenantJobID string
	WorkflowID  string
	Stage       model.Stage
	Provider    string
}

// JobOption is a function that configures a dispatch before it is queued.
type JobOption func(*model.Dispatch)

// WithPriority sets the dispatch priority (higher = leased first).
func WithPriority(priority int) JobOption {
	return func(d *model.Dispatch) {
		d.Priority = priority
	}
}

// WithMaxAttempts sets the maximum number of lease acquisitions.
func WithMaxAttempts(attempts int) JobOption {
	return func(d *model.Dispatch) {
		d.MaxAttempts = attempts
	}
}

// WithMetadata attaches an opaque metadata document.
func WithMetadata(metadata map[string]any) JobOption {
	return func(d *model.Dispatch) {
		d.Metadata = model.MergeMetadata(d.Metadata, metadata)
	}
}

// Enqueue queues a dispatch for a tenant job. Enqueueing a job that already
// has a dispatch returns the existing one unchanged.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest, opts ...JobOption) (*model.Dispatch, error) {
	var (
		d       *model.Dispatch
		created bool
	)
	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		var err error
		d, created, err = m.EnqueueTx(ctx, tx, req, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.RecordEnqueued(ctx, d)
	}
	return d, nil
}

// EnqueueTx is Enqueue inside a caller-owned transaction. created reports
// whether a new row was written; the caller records the audit event once its
// transaction commits.
func (m *Manager) EnqueueTx(ctx context.Context, tx *store.Store, req EnqueueRequest, opts ...JobOption) (d *model.Dispatch, created bool, err error) {
	if req.TenantID == "" || req.TenantJobID == "" {
		return nil, false, fmt.Errorf("%w: tenant_id and tenant_job_id are required", ErrInvalidRequest)
	}
	stage := req.Stage
	if stage == "" {
		stage = model.StageProduction
	}
	if !stage.Valid() {
		return nil, false, fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, stage)
	}

	d = &model.Dispatch{
		TenantID:    req.TenantID,
		TenantJobID: req.TenantJobID,
		Status:      model.DispatchStatusQueued,
		WorkflowID:  req.WorkflowID,
		Stage:       stage,
		Provider:    req.Provider,
		MaxAttempts: m.opts.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.MaxAttempts < 1 {
		return nil, false, fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidRequest)
	}

	d, created, err = tx.CreateDispatch(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("create dispatch: %w", err)
	}
	return d, created, nil
}

// RecordEnqueued logs and audits a newly queued dispatch.
func (m *Manager) RecordEnqueued(ctx context.Context, d *model.Dispatch) {
	m.logger.Info("dispatch enqueued",
		zap.String("dispatch_id", d.ID),
		zap.String("tenant_id", d.TenantID),
		zap.String("tenant_job_id", d.TenantJobID),
		zap.Int("priority", d.Priority),
	)
	m.audit.Record(ctx, audit.Event{
		Name:       audit.DispatchEnqueued,
		DispatchID: d.ID,
		TenantID:   d.TenantID,
		Metadata:   map[string]any{"priority": d.Priority, "stage": string(d.Stage), "workflow_id": d.WorkflowID},
	})
}
