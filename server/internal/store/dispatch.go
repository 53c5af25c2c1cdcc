package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/renderfleet/renderfleet/server/internal/model"
)

// --- Dispatches ---

// LeaseFilter narrows lease candidates to what a worker can serve. Empty
// slices match everything.
type LeaseFilter struct {
	Stages    []model.Stage
	Workflows []string
	Provider  string
}

// CreateDispatch inserts d unless a dispatch already exists for the same
// (tenant_id, tenant_job_id). It returns the stored row and whether it was
// newly created.
func (s *Store) CreateDispatch(ctx context.Context, d *model.Dispatch) (*model.Dispatch, bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(d)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return d, true, nil
	}
	existing, err := s.GetDispatchByTenantJob(ctx, d.TenantID, d.TenantJobID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetDispatch retrieves a dispatch by its ID.
func (s *Store) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	var d model.Dispatch
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// GetDispatchForUpdate retrieves a dispatch and locks its row until the
// surrounding transaction ends.
func (s *Store) GetDispatchForUpdate(ctx context.Context, id string) (*model.Dispatch, error) {
	var d model.Dispatch
	if err := s.forUpdate(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// GetDispatchByTenantJob retrieves the dispatch serving a tenant job.
func (s *Store) GetDispatchByTenantJob(ctx context.Context, tenantID, tenantJobID string) (*model.Dispatch, error) {
	var d model.Dispatch
	err := s.db.WithContext(ctx).
		First(&d, "tenant_id = ? AND tenant_job_id = ?", tenantID, tenantJobID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// ListLeaseCandidates returns queued dispatches eligible for the filter,
// highest priority first, then oldest first. On PostgreSQL rows locked by a
// concurrent poller are skipped rather than waited on.
func (s *Store) ListLeaseCandidates(ctx context.Context, filter LeaseFilter, limit int) ([]model.Dispatch, error) {
	query := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND attempts < max_attempts", model.DispatchStatusQueued)
	if len(filter.Stages) > 0 {
		query = query.Where("stage IN ?", filter.Stages)
	}
	if len(filter.Workflows) > 0 {
		query = query.Where("workflow_id IN ?", filter.Workflows)
	}
	if filter.Provider != "" {
		query = query.Where("(provider = '' OR provider = ?)", filter.Provider)
	}

	var candidates []model.Dispatch
	err := query.
		Order("priority DESC, created_at ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error
	return candidates, err
}

// ClaimDispatch moves a queued dispatch to leased. The update is conditional
// on the row still being queued, so exactly one concurrent caller wins;
// losers get false.
func (s *Store) ClaimDispatch(ctx context.Context, id, workerID, tokenHash string, expiresAt, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Dispatch{}).
		Where("id = ? AND status = ? AND attempts < max_attempts", id, model.DispatchStatusQueued).
		Updates(map[string]interface{}{
			"status":           model.DispatchStatusLeased,
			"worker_id":        workerID,
			"lease_token_hash": tokenHash,
			"lease_expires_at": expiresAt,
			"final_token_hash": nil,
			"final_worker_id":  nil,
			"attempts":         gorm.Expr("attempts + 1"),
			"started_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateDispatch applies updates to a dispatch only while it is still in the
// expected status. It returns false when the row moved on in the meantime.
func (s *Store) UpdateDispatch(ctx context.Context, id string, expected model.DispatchStatus, updates map[string]interface{}) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Dispatch{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListExpiredLeases returns leased dispatches whose lease ran out before now.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]model.Dispatch, error) {
	var expired []model.Dispatch
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND lease_expires_at < ?", model.DispatchStatusLeased, now).
		Order("lease_expires_at ASC").
		Limit(limit).
		Find(&expired).Error
	return expired, err
}

// ListOrphanDispatches returns non-terminal dispatches whose tenant job no
// longer exists.
func (s *Store) ListOrphanDispatches(ctx context.Context, limit int) ([]model.Dispatch, error) {
	var orphans []model.Dispatch
	err := s.db.WithContext(ctx).
		Where("status IN ?", []model.DispatchStatus{model.DispatchStatusQueued, model.DispatchStatusLeased}).
		Where(`NOT EXISTS (
  SELECT 1 FROM tenant_jobs
  WHERE tenant_jobs.tenant_id = dispatches.tenant_id
    AND tenant_jobs.tenant_job_id = dispatches.tenant_job_id
)`).
		Order("created_at ASC").
		Limit(limit).
		Find(&orphans).Error
	return orphans, err
}

// CountLeasesByWorker returns the number of dispatches a worker holds.
func (s *Store) CountLeasesByWorker(ctx context.Context, workerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Dispatch{}).
		Where("worker_id = ? AND status = ?", workerID, model.DispatchStatusLeased).
		Count(&count).Error
	return count, err
}

// CountDispatchesByStatus returns dispatch counts keyed by status.
func (s *Store) CountDispatchesByStatus(ctx context.Context) (map[model.DispatchStatus]int64, error) {
	var rows []struct {
		Status model.DispatchStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&model.Dispatch{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.DispatchStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
