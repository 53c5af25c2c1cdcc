// Package audit records lease and worker lifecycle events.
//
// Recording is fire-and-forget: callers record after their own transaction
// commits, and a failed write is logged, never returned.
package audit

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

// Event names.
const (
	DispatchEnqueued  = "dispatch.enqueued"
	DispatchLeased    = "dispatch.leased"
	DispatchHeartbeat = "dispatch.heartbeat"
	DispatchCompleted = "dispatch.completed"
	DispatchFailed    = "dispatch.failed"
	DispatchRequeued  = "dispatch.requeued"
	DispatchReclaimed = "dispatch.reclaimed"
	DispatchExhausted = "dispatch.exhausted"
	DispatchOrphaned  = "dispatch.orphaned"

	WorkerRegistered   = "worker.registered"
	WorkerApproved     = "worker.approved"
	WorkerDraining     = "worker.draining"
	WorkerDeregistered = "worker.deregistered"
)

// Event is a single audit record.
type Event struct {
	Name       string
	DispatchID string
	WorkerID   string
	TenantID   string
	Metadata   map[string]any
}

// Sink accepts audit events.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Notifier is told when a new event has been written.
type Notifier interface {
	NotifyNewEvent()
}

// Recorder persists events to the audit_events table.
type Recorder struct {
	store    *store.Store
	logger   *zap.Logger
	notifier Notifier
}

// NewRecorder creates a database-backed Sink.
func NewRecorder(s *store.Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: s, logger: logger.Named("audit")}
}

// WithNotifier sets n to be poked after every successful write.
func (r *Recorder) WithNotifier(n Notifier) *Recorder {
	r.notifier = n
	return r
}

// Record writes e. Heartbeats are high volume and only logged at debug level.
func (r *Recorder) Record(ctx context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event", e.Name),
		zap.String("dispatch_id", e.DispatchID),
		zap.String("worker_id", e.WorkerID),
	}
	if e.Name == DispatchHeartbeat {
		r.logger.Debug("audit event", fields...)
		return
	}

	row := &model.AuditEvent{
		Event:      e.Name,
		DispatchID: optional(e.DispatchID),
		WorkerID:   optional(e.WorkerID),
		TenantID:   optional(e.TenantID),
		Metadata:   datatypes.JSONMap(e.Metadata),
	}
	if err := r.store.CreateAuditEvent(context.WithoutCancel(ctx), row); err != nil {
		r.logger.Warn("failed to record audit event", append(fields, zap.Error(err))...)
		return
	}
	if r.notifier != nil {
		r.notifier.NotifyNewEvent()
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
