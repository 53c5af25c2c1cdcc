package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/dispatcher"
	"github.com/renderfleet/renderfleet/server/internal/ledger"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

// SubmitRequest describes a render job submitted by a tenant user.
type SubmitRequest struct {
	TenantID    string
	TenantJobID string
	UserID      string
	WorkflowID  string
	Stage       model.Stage
	Provider    string
	// Tokens is the job's price; it is reserved from the tenant's wallet.
	Tokens      int64
	Priority    int
	MaxAttempts int
	Metadata    map[string]any
}

// SubmissionService creates tenant jobs, reserves their tokens and queues
// their dispatch as one unit.
type SubmissionService struct {
	store   *store.Store
	ledger  *ledger.Ledger
	manager *dispatcher.Manager
	logger  *zap.Logger
}

// NewSubmissionService creates a new submission service
func NewSubmissionService(s *store.Store, l *ledger.Ledger, m *dispatcher.Manager, logger *zap.Logger) *SubmissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionService{store: s, ledger: l, manager: m, logger: logger.Named("submission")}
}

// Submit records the job, reserves its tokens and enqueues its dispatch. If
// the wallet cannot cover the job nothing is written and
// ledger.ErrInsufficientFunds is returned. Resubmitting a job returns its
// existing dispatch without charging again.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*model.Dispatch, error) {
	if req.TenantID == "" || req.TenantJobID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: tenant_id, tenant_job_id and user_id are required", dispatcher.ErrInvalidRequest)
	}
	if req.Tokens < 0 {
		return nil, fmt.Errorf("%w: tokens must not be negative", dispatcher.ErrInvalidRequest)
	}

	opts := []dispatcher.JobOption{dispatcher.WithPriority(req.Priority)}
	if req.MaxAttempts > 0 {
		opts = append(opts, dispatcher.WithMaxAttempts(req.MaxAttempts))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, dispatcher.WithMetadata(req.Metadata))
	}

	var (
		d       *model.Dispatch
		created bool
	)
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		job, err := tx.CreateTenantJob(ctx, &model.TenantJob{
			TenantID:    req.TenantID,
			TenantJobID: req.TenantJobID,
			UserID:      req.UserID,
			WorkflowID:  req.WorkflowID,
			Stage:       req.Stage,
			Provider:    req.Provider,
		})
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if job.UserID != req.UserID {
			return fmt.Errorf("%w: job %s belongs to another user", dispatcher.ErrInvalidRequest, req.TenantJobID)
		}

		ref := ledger.JobRef{TenantID: req.TenantID, TenantJobID: req.TenantJobID}
		if err := s.ledger.ReserveTx(ctx, tx, ref, req.Tokens, map[string]any{"workflow_id": req.WorkflowID}); err != nil {
			return err
		}

		d, created, err = s.manager.EnqueueTx(ctx, tx, dispatcher.EnqueueRequest{
			TenantID:    req.TenantID,
			TenantJobID: req.TenantJobID,
			WorkflowID:  req.WorkflowID,
			Stage:       req.Stage,
			Provider:    req.Provider,
		}, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.manager.RecordEnqueued(ctx, d)
	} else {
		s.logger.Debug("job already submitted",
			zap.String("tenant_id", req.TenantID),
			zap.String("tenant_job_id", req.TenantJobID),
			zap.String("dispatch_id", d.ID),
		)
	}
	return d, nil
}
