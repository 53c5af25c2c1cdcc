package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/audit"
	"github.com/renderfleet/renderfleet/server/internal/jobs"
	"github.com/renderfleet/renderfleet/server/internal/ledger"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

const (
	DefaultLeaseDuration    = 5 * time.Minute
	DefaultMaxAttempts      = 3
	DefaultReclaimBatchSize = 100

	// claimRetries bounds how often Poll retries after losing a claim race.
	claimRetries = 3
)

// Options configures a Manager.
type Options struct {
	LeaseDuration      time.Duration
	DefaultMaxAttempts int
	ReclaimBatchSize   int
	// AutoApproveWorkers approves workers registered by their first poll.
	AutoApproveWorkers bool
	Now                func() time.Time
	Logger             *zap.Logger
}

// Manager implements the worker lease protocol over the dispatch store.
// All coordination happens in the database; the Manager holds no per-dispatch
// state and any number of instances may serve the same tables.
type Manager struct {
	store    *store.Store
	ledger   *ledger.Ledger
	audit    audit.Sink
	payloads jobs.PayloadBuilder
	opts     Options
	logger   *zap.Logger
}

// NewManager creates a Manager. Zero-valued options fall back to defaults.
func NewManager(s *store.Store, l *ledger.Ledger, sink audit.Sink, payloads jobs.PayloadBuilder, opts Options) *Manager {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if opts.ReclaimBatchSize <= 0 {
		opts.ReclaimBatchSize = DefaultReclaimBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if payloads == nil {
		payloads = jobs.RefBuilder{}
	}
	return &Manager{
		store:    s,
		ledger:   l,
		audit:    sink,
		payloads: payloads,
		opts:     opts,
		logger:   opts.Logger.Named("dispatcher"),
	}
}

func (m *Manager) now() time.Time {
	return m.opts.Now().UTC()
}

// PollRequest is a worker's request for work plus its capacity self-report.
type PollRequest struct {
	WorkerID       string
	CurrentLoad    int
	MaxConcurrency int
	Stages         []model.Stage
	Workflows      []string
	Provider       string
}

// LeaseOffer is handed to a worker that won a dispatch.
type LeaseOffer struct {
	DispatchID     string
	LeaseToken     string
	LeaseExpiresAt time.Time
	Attempt        int
	PayloadRef     string
	TenantID       string
	TenantJobID    string
	WorkflowID     string
	Stage          model.Stage
}

// CompleteRequest reports a successful render.
type CompleteRequest struct {
	DispatchID        string
	LeaseToken        string
	WorkerID          string
	OutputSizeBytes   *int64
	OutputContentType *string
	Metadata          map[string]any
}

// ReclaimResult counts what a reclaim pass did.
type ReclaimResult struct {
	Requeued  int
	Exhausted int
	Orphaned  int
}

// Total is the number of dispatches the pass touched.
func (r ReclaimResult) Total() int {
	return r.Requeued + r.Exhausted + r.Orphaned
}

// Get returns a dispatch by ID.
func (m *Manager) Get(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	d, err := m.store.GetDispatch(ctx, dispatchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return d, err
}

// Counts returns the number of dispatches in each status.
func (m *Manager) Counts(ctx context.Context) (map[model.DispatchStatus]int64, error) {
	return m.store.CountDispatchesByStatus(ctx)
}

// Poll records the worker's report, reclaims expired leases and, if the
// worker is eligible and has capacity, leases it the best queued dispatch.
// A nil offer with a nil error means there is nothing for this worker now.
func (m *Manager) Poll(ctx context.Context, req PollRequest) (*LeaseOffer, error) {
	if req.WorkerID == "" || req.CurrentLoad < 0 || req.MaxConcurrency < 0 {
		return nil, ErrInvalidRequest
	}
	for _, st := range req.Stages {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, st)
		}
	}

	now := m.now()
	worker, created, err := m.store.RecordWorkerReport(ctx, model.Worker{
		WorkerID:       req.WorkerID,
		MaxConcurrency: req.MaxConcurrency,
		CurrentLoad:    req.CurrentLoad,
		Provider:       req.Provider,
		LastSeenAt:     now,
	}, m.opts.AutoApproveWorkers)
	if err != nil {
		return nil, fmt.Errorf("record worker report: %w", err)
	}
	if created {
		m.logger.Info("worker registered on first poll",
			zap.String("worker_id", req.WorkerID),
			zap.Bool("approved", worker.IsApproved),
		)
		m.audit.Record(ctx, audit.Event{
			Name:     audit.WorkerRegistered,
			WorkerID: req.WorkerID,
			Metadata: map[string]any{"source": "poll", "approved": worker.IsApproved},
		})
	}

	if _, err := m.Reclaim(ctx); err != nil {
		m.logger.Warn("reclaim pass failed", zap.Error(err))
	}

	if !worker.IsApproved || worker.IsDraining {
		return nil, nil
	}
	if worker.AvailableCapacity() <= 0 {
		return nil, nil
	}

	filter := store.LeaseFilter{
		Stages:    req.Stages,
		Workflows: req.Workflows,
		Provider:  req.Provider,
	}
	for range claimRetries {
		offer, contended, err := m.lease(ctx, req.WorkerID, filter)
		if err != nil {
			return nil, err
		}
		if offer != nil {
			return offer, nil
		}
		if !contended {
			return nil, nil
		}
	}
	return nil, nil
}

// lease selects and claims one dispatch in a single transaction. contended is
// true when a candidate existed but another poller claimed it first.
func (m *Manager) lease(ctx context.Context, workerID string, filter store.LeaseFilter) (offer *LeaseOffer, contended bool, err error) {
	now := m.now()
	var leased model.Dispatch

	err = m.store.Transaction(ctx, func(tx *store.Store) error {
		candidates, err := tx.ListLeaseCandidates(ctx, filter, 1)
		if err != nil {
			return fmt.Errorf("select candidate: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}
		d := candidates[0]

		token, digest, err := newLeaseToken()
		if err != nil {
			return err
		}
		expires := now.Add(m.opts.LeaseDuration)
		ok, err := tx.ClaimDispatch(ctx, d.ID, workerID, digest, expires, now)
		if err != nil {
			return fmt.Errorf("claim dispatch: %w", err)
		}
		if !ok {
			contended = true
			return nil
		}

		d.Status = model.DispatchStatusLeased
		d.WorkerID = &workerID
		d.LeaseTokenHash = &digest
		d.LeaseExpiresAt = &expires
		d.Attempts++
		d.StartedAt = &now

		ref, err := m.payloads.Build(ctx, &d)
		if err != nil {
			return fmt.Errorf("build payload ref: %w", err)
		}

		leased = d
		offer = &LeaseOffer{
			DispatchID:     d.ID,
			LeaseToken:     token,
			LeaseExpiresAt: expires,
			Attempt:        d.Attempts,
			PayloadRef:     ref,
			TenantID:       d.TenantID,
			TenantJobID:    d.TenantJobID,
			WorkflowID:     d.WorkflowID,
			Stage:          d.Stage,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if offer == nil {
		return nil, contended, nil
	}

	m.logger.Info("dispatch leased",
		zap.String("dispatch_id", leased.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", leased.Attempts),
	)
	m.audit.Record(ctx, audit.Event{
		Name:       audit.DispatchLeased,
		DispatchID: leased.ID,
		WorkerID:   workerID,
		TenantID:   leased.TenantID,
		Metadata:   map[string]any{"attempt": leased.Attempts, "lease_expires_at": offer.LeaseExpiresAt},
	})
	return offer, false, nil
}

// holds reports whether the presented credentials identify the current,
// unexpired lease on d.
func holds(d *model.Dispatch, token, workerID string, now time.Time) bool {
	if !d.Leased() || d.WorkerID == nil || d.LeaseExpiresAt == nil {
		return false
	}
	if *d.WorkerID != workerID {
		return false
	}
	if !d.LeaseExpiresAt.After(now) {
		return false
	}
	return tokenMatches(d.LeaseTokenHash, token)
}

// finishedBy reports whether workerID drove d to its terminal state while
// holding token.
func finishedBy(d *model.Dispatch, token, workerID string) bool {
	if !d.Status.Terminal() || d.FinalWorkerID == nil || *d.FinalWorkerID != workerID {
		return false
	}
	return tokenMatches(d.FinalTokenHash, token)
}

// recordFinalHolder keeps the outgoing lease so finishedBy can recognise the
// holder's later reports.
func recordFinalHolder(updates map[string]interface{}, d *model.Dispatch) {
	if d.LeaseTokenHash == nil || d.WorkerID == nil {
		return
	}
	updates["final_token_hash"] = *d.LeaseTokenHash
	updates["final_worker_id"] = *d.WorkerID
}

// lockDispatch loads and locks a dispatch, mapping a missing row to ErrNotFound.
func lockDispatch(ctx context.Context, tx *store.Store, id string) (*model.Dispatch, error) {
	d, err := tx.GetDispatchForUpdate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load dispatch: %w", err)
	}
	return d, nil
}

// Heartbeat extends a held lease by the lease duration.
func (m *Manager) Heartbeat(ctx context.Context, dispatchID, token, workerID string) error {
	now := m.now()
	var tenantID string

	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		d, err := lockDispatch(ctx, tx, dispatchID)
		if err != nil {
			return err
		}
		if !holds(d, token, workerID, now) {
			return ErrNotFound
		}

		updates := map[string]interface{}{
			"lease_expires_at": now.Add(m.opts.LeaseDuration),
		}
		if d.StartedAt == nil {
			updates["started_at"] = now
		}
		if _, err := tx.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, updates); err != nil {
			return fmt.Errorf("extend lease: %w", err)
		}
		if err := tx.TouchWorker(ctx, workerID, now); err != nil {
			return fmt.Errorf("touch worker: %w", err)
		}
		tenantID = d.TenantID
		return nil
	})
	if err != nil {
		return err
	}

	m.audit.Record(ctx, audit.Event{
		Name:       audit.DispatchHeartbeat,
		DispatchID: dispatchID,
		WorkerID:   workerID,
		TenantID:   tenantID,
	})
	return nil
}

// Complete marks a leased dispatch completed and finalises the job's spend.
// A repeat from the holder that finished the dispatch, or a completion racing
// a prior failure by the same holder, succeeds without changing anything.
func (m *Manager) Complete(ctx context.Context, req CompleteRequest) error {
	now := m.now()
	var (
		done    *model.Dispatch
		changed bool
	)

	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		d, err := lockDispatch(ctx, tx, req.DispatchID)
		if err != nil {
			return err
		}
		if finishedBy(d, req.LeaseToken, req.WorkerID) {
			return nil
		}
		if !holds(d, req.LeaseToken, req.WorkerID, now) {
			return ErrNotFound
		}

		updates := releaseLease(model.DispatchStatusCompleted)
		recordFinalHolder(updates, d)
		updates["completed_at"] = now
		if d.StartedAt != nil {
			updates["duration_seconds"] = now.Sub(*d.StartedAt).Seconds()
		}
		if len(req.Metadata) > 0 {
			updates["metadata"] = model.MergeMetadata(d.Metadata, map[string]any{"result": req.Metadata})
		}
		ok, err := tx.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, updates)
		if err != nil {
			return fmt.Errorf("complete dispatch: %w", err)
		}
		if !ok {
			return ErrNotFound
		}

		ref := ledger.JobRef{TenantID: d.TenantID, TenantJobID: d.TenantJobID}
		err = m.ledger.ConsumeTx(ctx, tx, ref, map[string]any{"dispatch_id": d.ID})
		switch {
		case errors.Is(err, ledger.ErrJobNotFound):
			m.logger.Warn("completed dispatch has no job to bill",
				zap.String("dispatch_id", d.ID),
				zap.String("tenant_id", d.TenantID),
				zap.String("tenant_job_id", d.TenantJobID),
			)
		case err != nil:
			return fmt.Errorf("consume tokens: %w", err)
		default:
			if err := recordOutput(ctx, tx, d, req); err != nil {
				return err
			}
		}

		done, changed = d, true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	m.logger.Info("dispatch completed",
		zap.String("dispatch_id", done.ID),
		zap.String("worker_id", req.WorkerID),
	)
	meta := map[string]any{"attempt": done.Attempts}
	if done.StartedAt != nil {
		meta["duration_seconds"] = now.Sub(*done.StartedAt).Seconds()
	}
	m.audit.Record(ctx, audit.Event{
		Name:       audit.DispatchCompleted,
		DispatchID: done.ID,
		WorkerID:   req.WorkerID,
		TenantID:   done.TenantID,
		Metadata:   meta,
	})
	return nil
}

// recordOutput forwards result artifact details to the job row.
func recordOutput(ctx context.Context, tx *store.Store, d *model.Dispatch, req CompleteRequest) error {
	updates := map[string]interface{}{}
	if req.OutputSizeBytes != nil {
		updates["output_size_bytes"] = *req.OutputSizeBytes
	}
	if req.OutputContentType != nil {
		updates["output_content_type"] = *req.OutputContentType
	}
	if len(updates) == 0 {
		return nil
	}
	if err := tx.UpdateTenantJob(ctx, d.TenantID, d.TenantJobID, updates); err != nil {
		return fmt.Errorf("record output: %w", err)
	}
	return nil
}

// Fail marks a leased dispatch permanently failed and refunds the job.
func (m *Manager) Fail(ctx context.Context, dispatchID, token, workerID, message string) error {
	now := m.now()
	var (
		failed  *model.Dispatch
		changed bool
	)

	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		d, err := lockDispatch(ctx, tx, dispatchID)
		if err != nil {
			return err
		}
		if finishedBy(d, token, workerID) {
			return nil
		}
		if !holds(d, token, workerID, now) {
			return ErrNotFound
		}

		updates := releaseLease(model.DispatchStatusFailed)
		recordFinalHolder(updates, d)
		updates["last_error"] = message
		updates["completed_at"] = now
		ok, err := tx.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, updates)
		if err != nil {
			return fmt.Errorf("fail dispatch: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		if err := m.refund(ctx, tx, d, "worker_failure"); err != nil {
			return err
		}

		failed, changed = d, true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	m.logger.Info("dispatch failed",
		zap.String("dispatch_id", failed.ID),
		zap.String("worker_id", workerID),
		zap.String("error", message),
	)
	m.audit.Record(ctx, audit.Event{
		Name:       audit.DispatchFailed,
		DispatchID: failed.ID,
		WorkerID:   workerID,
		TenantID:   failed.TenantID,
		Metadata:   map[string]any{"error": message, "attempt": failed.Attempts},
	})
	return nil
}

// Requeue releases a held lease early. The released attempt is not counted
// against the dispatch's retry ceiling.
func (m *Manager) Requeue(ctx context.Context, dispatchID, token, workerID, reason string) error {
	now := m.now()
	var requeued *model.Dispatch

	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		d, err := lockDispatch(ctx, tx, dispatchID)
		if err != nil {
			return err
		}
		if !holds(d, token, workerID, now) {
			return ErrNotFound
		}

		attempts := max(d.Attempts-1, 0)
		updates := releaseLease(model.DispatchStatusQueued)
		updates["attempts"] = attempts
		updates["last_error"] = appendReason(d.LastError, "requeued: "+reason)
		updates["started_at"] = nil
		ok, err := tx.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, updates)
		if err != nil {
			return fmt.Errorf("requeue dispatch: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		d.Attempts = attempts
		requeued = d
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("dispatch requeued",
		zap.String("dispatch_id", requeued.ID),
		zap.String("worker_id", workerID),
		zap.String("reason", reason),
	)
	m.audit.Record(ctx, audit.Event{
		Name:       audit.DispatchRequeued,
		DispatchID: requeued.ID,
		WorkerID:   workerID,
		TenantID:   requeued.TenantID,
		Metadata:   map[string]any{"reason": reason, "attempts": requeued.Attempts},
	})
	return nil
}

// Reclaim fails dispatches whose job no longer exists, then returns expired
// leases to the queue or, once the retry ceiling is reached, fails and
// refunds them.
func (m *Manager) Reclaim(ctx context.Context) (ReclaimResult, error) {
	now := m.now()
	var (
		result ReclaimResult
		events []audit.Event
	)

	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		result, events = ReclaimResult{}, nil

		orphans, err := tx.ListOrphanDispatches(ctx, m.opts.ReclaimBatchSize)
		if err != nil {
			return fmt.Errorf("list orphans: %w", err)
		}
		for i := range orphans {
			d := &orphans[i]
			updates := releaseLease(model.DispatchStatusFailed)
			updates["last_error"] = fmt.Sprintf("orphaned: job %s/%s no longer exists", d.TenantID, d.TenantJobID)
			updates["completed_at"] = now
			recordFinalHolder(updates, d)
			ok, err := tx.UpdateDispatch(ctx, d.ID, d.Status, updates)
			if err != nil {
				return fmt.Errorf("fail orphan: %w", err)
			}
			if !ok {
				continue
			}
			result.Orphaned++
			events = append(events, reclaimEvent(audit.DispatchOrphaned, d, nil))
		}

		expired, err := tx.ListExpiredLeases(ctx, now, m.opts.ReclaimBatchSize)
		if err != nil {
			return fmt.Errorf("list expired leases: %w", err)
		}
		for i := range expired {
			d := &expired[i]
			attempts := d.Attempts + 1

			if attempts < d.MaxAttempts {
				updates := releaseLease(model.DispatchStatusQueued)
				updates["attempts"] = attempts
				updates["started_at"] = nil
				updates["last_error"] = appendReason(d.LastError, "lease expired")
				ok, err := tx.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, updates)
				if err != nil {
					return fmt.Errorf("requeue expired lease: %w", err)
				}
				if !ok {
					continue
				}
				result.Requeued++
				events = append(events, reclaimEvent(audit.DispatchReclaimed, d, map[string]any{"attempts": attempts}))
				continue
			}

			updates := releaseLease(model.DispatchStatusFailed)
			updates["attempts"] = attempts
			updates["last_error"] = fmt.Sprintf("lease expired; max attempts (%d) exceeded", d.MaxAttempts)
			updates["completed_at"] = now
			recordFinalHolder(updates, d)
			ok, err := tx.UpdateDispatch(ctx, d.ID, model.DispatchStatusLeased, updates)
			if err != nil {
				return fmt.Errorf("fail exhausted lease: %w", err)
			}
			if !ok {
				continue
			}
			if err := m.refund(ctx, tx, d, "max_attempts_exceeded"); err != nil {
				return err
			}
			result.Exhausted++
			events = append(events, reclaimEvent(audit.DispatchExhausted, d, map[string]any{"attempts": attempts}))
		}
		return nil
	})
	if err != nil {
		return ReclaimResult{}, err
	}

	if result.Total() > 0 {
		m.logger.Info("reclaimed dispatches",
			zap.Int("requeued", result.Requeued),
			zap.Int("exhausted", result.Exhausted),
			zap.Int("orphaned", result.Orphaned),
		)
	}
	for _, e := range events {
		m.audit.Record(ctx, e)
	}
	return result, nil
}

// refund returns the job's reserved tokens inside tx. A job that has vanished
// is logged and skipped; there is nothing left to refund against.
func (m *Manager) refund(ctx context.Context, tx *store.Store, d *model.Dispatch, cause string) error {
	ref := ledger.JobRef{TenantID: d.TenantID, TenantJobID: d.TenantJobID}
	err := m.ledger.RefundTx(ctx, tx, ref, map[string]any{"dispatch_id": d.ID, "cause": cause})
	if errors.Is(err, ledger.ErrJobNotFound) {
		m.logger.Warn("failed dispatch has no job to refund",
			zap.String("dispatch_id", d.ID),
			zap.String("tenant_id", d.TenantID),
			zap.String("tenant_job_id", d.TenantJobID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("refund tokens: %w", err)
	}
	return nil
}

// releaseLease returns the updates moving a dispatch to status with every
// lease field cleared.
func releaseLease(status model.DispatchStatus) map[string]interface{} {
	return map[string]interface{}{
		"status":           status,
		"worker_id":        nil,
		"lease_token_hash": nil,
		"lease_expires_at": nil,
	}
}

func appendReason(existing *string, reason string) string {
	if existing == nil || *existing == "" {
		return reason
	}
	return *existing + "; " + reason
}

func reclaimEvent(name string, d *model.Dispatch, meta map[string]any) audit.Event {
	e := audit.Event{
		Name:       name,
		DispatchID: d.ID,
		TenantID:   d.TenantID,
		Metadata:   meta,
	}
	if d.WorkerID != nil {
		e.WorkerID = *d.WorkerID
	}
	return e
}
