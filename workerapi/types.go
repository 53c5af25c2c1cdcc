// Package workerapi defines the JSON bodies exchanged between the server and
// worker agents.
package workerapi

import "time"

// PollRequest is a worker's capacity self-report and request for work.
type PollRequest struct {
	CurrentLoad    int      `json:"current_load"`
	MaxConcurrency int      `json:"max_concurrency"`
	Stages         []string `json:"stages,omitempty"`
	Workflows      []string `json:"workflows,omitempty"`
	Provider       string   `json:"provider,omitempty"`
}

// LeaseOffer is returned by a successful poll.
type LeaseOffer struct {
	DispatchID     string    `json:"dispatch_id"`
	LeaseToken     string    `json:"lease_token"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Attempt        int       `json:"attempt"`
	JobPayloadRef  string    `json:"job_payload_ref"`
	TenantID       string    `json:"tenant_id"`
	TenantJobID    string    `json:"tenant_job_id"`
	WorkflowID     string    `json:"workflow_id,omitempty"`
	Stage          string    `json:"stage"`
}

// HeartbeatRequest renews a lease.
type HeartbeatRequest struct {
	WorkerID   string `json:"worker_id"`
	LeaseToken string `json:"lease_token"`
}

// CompleteRequest reports a successful render.
type CompleteRequest struct {
	WorkerID          string         `json:"worker_id"`
	LeaseToken        string         `json:"lease_token"`
	OutputSizeBytes   *int64         `json:"output_size_bytes,omitempty"`
	OutputContentType *string        `json:"output_content_type,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// FailRequest reports a permanent render failure.
type FailRequest struct {
	WorkerID   string `json:"worker_id"`
	LeaseToken string `json:"lease_token"`
	Error      string `json:"error"`
}

// RequeueRequest gives a lease back early, typically on an interruption notice.
type RequeueRequest struct {
	WorkerID   string `json:"worker_id"`
	LeaseToken string `json:"lease_token"`
	Reason     string `json:"reason"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RegisterWorkerRequest pre-registers a worker.
type RegisterWorkerRequest struct {
	WorkerID       string `json:"worker_id"`
	MaxConcurrency int    `json:"max_concurrency"`
	Provider       string `json:"provider,omitempty"`
	Approve        bool   `json:"approve,omitempty"`
}

// DrainRequest toggles a worker's draining flag.
type DrainRequest struct {
	Draining bool `json:"draining"`
}

// SubmitJobRequest submits a tenant job for rendering.
type SubmitJobRequest struct {
	TenantID    string         `json:"tenant_id"`
	TenantJobID string         `json:"tenant_job_id"`
	UserID      string         `json:"user_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Stage       string         `json:"stage,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Tokens      int64          `json:"tokens"`
	Priority    int            `json:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CreditRequest adds purchased tokens to a tenant wallet.
type CreditRequest struct {
	UserID                string         `json:"user_id"`
	ProviderTransactionID string         `json:"provider_transaction_id"`
	Amount                int64          `json:"amount"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}
