package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DispatchStatus represents the current state of a dispatch.
type DispatchStatus string

const (
	DispatchStatusQueued    DispatchStatus = "queued"
	DispatchStatusLeased    DispatchStatus = "leased"
	DispatchStatusCompleted DispatchStatus = "completed"
	DispatchStatusFailed    DispatchStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchStatusCompleted || s == DispatchStatusFailed
}

// Dispatch is one job's need for worker execution.
//
// WorkerID, LeaseTokenHash and LeaseExpiresAt are either all nil or all set,
// and only set while Status is leased. FinalWorkerID and FinalTokenHash keep
// the lease that moved the dispatch into a terminal state so redundant
// reports from that holder are recognised.
type Dispatch struct {
	ID              string            `gorm:"primaryKey;type:text" json:"id"`
	TenantID        string            `gorm:"column:tenant_id;not null;type:text;uniqueIndex:idx_dispatch_tenant_job" json:"tenant_id"`
	TenantJobID     string            `gorm:"column:tenant_job_id;not null;type:text;uniqueIndex:idx_dispatch_tenant_job" json:"tenant_job_id"`
	Status          DispatchStatus    `gorm:"not null;type:text;default:queued;index:idx_dispatch_status_priority" json:"status"`
	Priority        int               `gorm:"not null;default:0;index:idx_dispatch_status_priority" json:"priority"`
	Attempts        int               `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts     int               `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	WorkerID        *string           `gorm:"column:worker_id;type:text;index" json:"worker_id,omitempty"`
	LeaseTokenHash  *string           `gorm:"column:lease_token_hash;type:text" json:"-"`
	LeaseExpiresAt  *time.Time        `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`
	FinalTokenHash  *string           `gorm:"column:final_token_hash;type:text" json:"-"`
	FinalWorkerID   *string           `gorm:"column:final_worker_id;type:text" json:"-"`
	LastError       *string           `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	WorkflowID      string            `gorm:"column:workflow_id;type:text;index" json:"workflow_id"`
	Stage           Stage             `gorm:"type:text;index" json:"stage"`
	Provider        string            `gorm:"type:text" json:"provider,omitempty"`
	StartedAt       *time.Time        `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DurationSeconds *float64          `gorm:"column:duration_seconds" json:"duration_seconds,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Dispatch.
func (Dispatch) TableName() string { return "dispatches" }

// BeforeCreate generates a UUID if not set.
func (d *Dispatch) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = DispatchStatusQueued
	}
	return nil
}

// Leased reports whether the dispatch currently has a holder.
func (d *Dispatch) Leased() bool {
	return d.Status == DispatchStatusLeased && d.LeaseTokenHash != nil
}
