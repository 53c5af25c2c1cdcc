// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Stage is the deployment tier a dispatch is scoped to.
type Stage string

const (
	StageProduction Stage = "production"
	StageStaging    Stage = "staging"
	StageTest       Stage = "test"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageProduction, StageStaging, StageTest:
		return true
	}
	return false
}

// Worker is a capacity-bearing execution agent. Rows are created on first
// contact (or by an admin) and updated from each poll's self-report.
type Worker struct {
	WorkerID       string    `gorm:"column:worker_id;primaryKey;type:text" json:"worker_id"`
	MaxConcurrency int       `gorm:"column:max_concurrency;not null" json:"max_concurrency"`
	CurrentLoad    int       `gorm:"column:current_load;not null;default:0" json:"current_load"`
	IsApproved     bool      `gorm:"column:is_approved;not null;default:false" json:"is_approved"`
	IsDraining     bool      `gorm:"column:is_draining;not null;default:false" json:"is_draining"`
	Provider       string    `gorm:"type:text" json:"provider,omitempty"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at;not null;index" json:"last_seen_at"`
	RegisteredAt   time.Time `gorm:"column:registered_at;autoCreateTime" json:"registered_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Worker) TableName() string { return "workers" }

// AvailableCapacity is the number of additional leases the worker reports it
// can take on right now.
func (w *Worker) AvailableCapacity() int {
	return w.MaxConcurrency - w.CurrentLoad
}

// TenantJob is the tenant-scoped job a dispatch serves. The ledger resolves
// wallet ownership and reserved amounts through it.
type TenantJob struct {
	TenantID          string    `gorm:"column:tenant_id;primaryKey;type:text" json:"tenant_id"`
	TenantJobID       string    `gorm:"column:tenant_job_id;primaryKey;type:text" json:"tenant_job_id"`
	UserID            string    `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	WorkflowID        string    `gorm:"column:workflow_id;type:text" json:"workflow_id"`
	Stage             Stage     `gorm:"type:text" json:"stage"`
	Provider          string    `gorm:"type:text" json:"provider,omitempty"`
	ReservedTokens    int64     `gorm:"column:reserved_tokens;not null;default:0" json:"reserved_tokens"`
	ConsumedTokens    int64     `gorm:"column:consumed_tokens;not null;default:0" json:"consumed_tokens"`
	OutputSizeBytes   *int64    `gorm:"column:output_size_bytes" json:"output_size_bytes,omitempty"`
	OutputContentType *string   `gorm:"column:output_content_type;type:text" json:"output_content_type,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TenantJob) TableName() string { return "tenant_jobs" }

// AuditEvent is an append-only record of a lease or worker lifecycle event.
type AuditEvent struct {
	ID         string            `gorm:"primaryKey;type:text" json:"id"`
	Seq        int64             `gorm:"column:seq;autoIncrement;uniqueIndex" json:"seq"`
	Event      string            `gorm:"not null;type:text;index" json:"event"`
	DispatchID *string           `gorm:"column:dispatch_id;type:text;index" json:"dispatch_id,omitempty"`
	WorkerID   *string           `gorm:"column:worker_id;type:text;index" json:"worker_id,omitempty"`
	TenantID   *string           `gorm:"column:tenant_id;type:text;index" json:"tenant_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditEvent) TableName() string { return "audit_events" }

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all models for auto-migration.
func AllModels() []interface{} {
	return []interface{}{
		&Worker{},
		&TenantJob{},
		&Dispatch{},
		&TokenWallet{},
		&TokenTransaction{},
		&AuditEvent{},
		&DispatcherLeader{},
	}
}
