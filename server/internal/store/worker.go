package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/renderfleet/renderfleet/server/internal/model"
)

// --- Workers ---

// GetWorker retrieves a worker by its external ID.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*model.Worker, error) {
	var w model.Worker
	if err := s.db.WithContext(ctx).First(&w, "worker_id = ?", workerID).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// CreateWorker registers a worker. Returns ErrDuplicate if it already exists.
func (s *Store) CreateWorker(ctx context.Context, w *model.Worker) error {
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// RecordWorkerReport stores a worker's capacity self-report, registering the
// worker first if it has never been seen. created is true for new rows.
func (s *Store) RecordWorkerReport(ctx context.Context, report model.Worker, approveNew bool) (w *model.Worker, created bool, err error) {
	report.IsApproved = approveNew
	report.IsDraining = false
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&report)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return &report, true, nil
	}

	updates := map[string]interface{}{
		"max_concurrency": report.MaxConcurrency,
		"current_load":    report.CurrentLoad,
		"last_seen_at":    report.LastSeenAt,
	}
	if report.Provider != "" {
		updates["provider"] = report.Provider
	}
	if err := s.db.WithContext(ctx).Model(&model.Worker{}).
		Where("worker_id = ?", report.WorkerID).
		Updates(updates).Error; err != nil {
		return nil, false, err
	}
	w, err = s.GetWorker(ctx, report.WorkerID)
	return w, false, err
}

// TouchWorker updates a worker's last_seen_at.
func (s *Store) TouchWorker(ctx context.Context, workerID string, seenAt time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Worker{}).
		Where("worker_id = ?", workerID).
		Update("last_seen_at", seenAt).Error
}

// UpdateWorker applies updates to a worker. Returns ErrNotFound if no row matched.
func (s *Store) UpdateWorker(ctx context.Context, workerID string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&model.Worker{}).
		Where("worker_id = ?", workerID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorker removes a worker registration.
func (s *Store) DeleteWorker(ctx context.Context, workerID string) error {
	res := s.db.WithContext(ctx).Delete(&model.Worker{}, "worker_id = ?", workerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	var workers []*model.Worker
	err := s.db.WithContext(ctx).Order("worker_id ASC").Find(&workers).Error
	return workers, err
}

// --- Tenant Jobs ---

// CreateTenantJob inserts a job row unless it already exists and returns the
// stored row.
func (s *Store) CreateTenantJob(ctx context.Context, job *model.TenantJob) (*model.TenantJob, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return job, nil
	}
	return s.GetTenantJob(ctx, job.TenantID, job.TenantJobID)
}

// GetTenantJob finds a job by tenant and tenant-scoped ID.
func (s *Store) GetTenantJob(ctx context.Context, tenantID, tenantJobID string) (*model.TenantJob, error) {
	var job model.TenantJob
	err := s.db.WithContext(ctx).
		First(&job, "tenant_id = ? AND tenant_job_id = ?", tenantID, tenantJobID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// UpdateTenantJob applies updates to a job.
func (s *Store) UpdateTenantJob(ctx context.Context, tenantID, tenantJobID string, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.TenantJob{}).
		Where("tenant_id = ? AND tenant_job_id = ?", tenantID, tenantJobID).
		Updates(updates).Error
}

// DeleteTenantJob removes a job row. Dispatches referencing it become orphans.
func (s *Store) DeleteTenantJob(ctx context.Context, tenantID, tenantJobID string) error {
	return s.db.WithContext(ctx).
		Delete(&model.TenantJob{}, "tenant_id = ? AND tenant_job_id = ?", tenantID, tenantJobID).Error
}
