// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/renderfleet/renderfleet/server/internal/model"
)

// Common errors
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction. The Store handed to fn is
// bound to the transaction; fn must not use the outer Store.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// forUpdate adds a row-level exclusive lock. SQLite has no row locks and the
// dialect drops the clause; its single writer serialises transactions instead.
func (s *Store) forUpdate(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// isDuplicate reports whether err is a unique-constraint violation on either
// supported driver.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Dispatcher Leader Election ---

// TryAcquireLeadership claims or renews the singleton leader row in one
// upsert. The row changes hands only when its heartbeat is older than
// heartbeatTimeout; a renewal keeps the original acquired_at.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, heartbeatTimeout time.Duration) (bool, error) {
	now := time.Now().UTC()
	row := model.DispatcherLeader{
		ID:          model.DispatcherLeaderSingletonID,
		ServerID:    serverID,
		HeartbeatAt: now,
		AcquiredAt:  now,
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"server_id":    serverID,
			"heartbeat_at": now,
			"acquired_at": gorm.Expr(
				"CASE WHEN dispatcher_leaders.server_id = ? THEN dispatcher_leaders.acquired_at ELSE ? END",
				serverID, now),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("dispatcher_leaders.server_id = ? OR dispatcher_leaders.heartbeat_at < ?",
				serverID, now.Add(-heartbeatTimeout)),
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLeadership releases leadership on graceful shutdown.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND server_id = ?", model.DispatcherLeaderSingletonID, serverID).
		Delete(&model.DispatcherLeader{}).Error
}

// --- Audit Events ---

// CreateAuditEvent appends an audit event.
func (s *Store) CreateAuditEvent(ctx context.Context, event *model.AuditEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// ListAuditEventsByDispatch returns a dispatch's audit trail, oldest first.
func (s *Store) ListAuditEventsByDispatch(ctx context.Context, dispatchID string) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	err := s.db.WithContext(ctx).
		Where("dispatch_id = ?", dispatchID).
		Order("seq ASC").
		Find(&events).Error
	return events, err
}

// ListAuditEventsAfterSeq returns events across all tenants with seq > afterSeq,
// in sequence order. The event poller uses this to fan out new events.
func (s *Store) ListAuditEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	query := s.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ListTenantAuditEvents returns a tenant's events with seq > afterSeq and
// created after since, in sequence order.
func (s *Store) ListTenantAuditEvents(ctx context.Context, tenantID string, afterSeq int64, since time.Time) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND seq > ? AND created_at > ?", tenantID, afterSeq, since).
		Order("seq ASC").
		Find(&events).Error
	return events, err
}

// GetMaxAuditSeq returns the highest audit sequence number, or 0.
func (s *Store) GetMaxAuditSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.db.WithContext(ctx).
		Model(&model.AuditEvent{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	return maxSeq, err
}
