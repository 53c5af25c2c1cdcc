package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/audit"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrWorkerExists   = errors.New("worker already registered")
	// ErrWorkerBusy is returned when deregistering a worker that still holds leases.
	ErrWorkerBusy = errors.New("worker holds active leases")
)

// RegisterRequest pre-registers a worker ahead of its first poll.
type RegisterRequest struct {
	WorkerID       string
	MaxConcurrency int
	Provider       string
	Approve        bool
}

// WorkerService handles worker administration
type WorkerService struct {
	store  *store.Store
	audit  audit.Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewWorkerService creates a new worker service
func NewWorkerService(s *store.Store, sink audit.Sink, logger *zap.Logger) *WorkerService {
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerService{store: s, audit: sink, logger: logger.Named("workers"), now: time.Now}
}

// Register creates a worker record.
func (s *WorkerService) Register(ctx context.Context, req RegisterRequest) (*model.Worker, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required")
	}
	if req.MaxConcurrency < 1 {
		req.MaxConcurrency = 1
	}
	w := &model.Worker{
		WorkerID:       req.WorkerID,
		MaxConcurrency: req.MaxConcurrency,
		Provider:       req.Provider,
		IsApproved:     req.Approve,
		LastSeenAt:     s.now().UTC(),
	}
	if err := s.store.CreateWorker(ctx, w); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrWorkerExists
		}
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	s.logger.Info("worker registered", zap.String("worker_id", w.WorkerID), zap.Bool("approved", w.IsApproved))
	s.audit.Record(ctx, audit.Event{
		Name:     audit.WorkerRegistered,
		WorkerID: w.WorkerID,
		Metadata: map[string]any{"source": "admin", "approved": w.IsApproved},
	})
	return w, nil
}

// Get returns a worker by ID.
func (s *WorkerService) Get(ctx context.Context, workerID string) (*model.Worker, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrWorkerNotFound
	}
	return w, err
}

// List returns all workers.
func (s *WorkerService) List(ctx context.Context) ([]*model.Worker, error) {
	return s.store.ListWorkers(ctx)
}

// Approve makes a worker eligible for leases.
func (s *WorkerService) Approve(ctx context.Context, workerID string) (*model.Worker, error) {
	if err := s.update(ctx, workerID, map[string]interface{}{"is_approved": true}); err != nil {
		return nil, err
	}
	s.logger.Info("worker approved", zap.String("worker_id", workerID))
	s.audit.Record(ctx, audit.Event{Name: audit.WorkerApproved, WorkerID: workerID})
	return s.Get(ctx, workerID)
}

// Drain stops (or, with draining false, resumes) new leases to a worker.
// Leases it already holds run to completion.
func (s *WorkerService) Drain(ctx context.Context, workerID string, draining bool) (*model.Worker, error) {
	if err := s.update(ctx, workerID, map[string]interface{}{"is_draining": draining}); err != nil {
		return nil, err
	}
	s.logger.Info("worker drain state changed", zap.String("worker_id", workerID), zap.Bool("draining", draining))
	s.audit.Record(ctx, audit.Event{
		Name:     audit.WorkerDraining,
		WorkerID: workerID,
		Metadata: map[string]any{"draining": draining},
	})
	return s.Get(ctx, workerID)
}

// Deregister removes a worker. A worker holding leases must be drained and
// finish (or lose) them first.
func (s *WorkerService) Deregister(ctx context.Context, workerID string) error {
	active, err := s.store.CountLeasesByWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("failed to count leases: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("%w: %d", ErrWorkerBusy, active)
	}
	if err := s.store.DeleteWorker(ctx, workerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrWorkerNotFound
		}
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	s.logger.Info("worker deregistered", zap.String("worker_id", workerID))
	s.audit.Record(ctx, audit.Event{Name: audit.WorkerDeregistered, WorkerID: workerID})
	return nil
}

func (s *WorkerService) update(ctx context.Context, workerID string, updates map[string]interface{}) error {
	err := s.store.UpdateWorker(ctx, workerID, updates)
	if errors.Is(err, store.ErrNotFound) {
		return ErrWorkerNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	return nil
}
