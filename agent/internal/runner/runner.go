// Package runner polls for leases and renders them, one goroutine per slot.
package runner

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/renderfleet/renderfleet/agent/internal/client"
	"github.com/renderfleet/renderfleet/agent/internal/interrupt"
	"github.com/renderfleet/renderfleet/agent/internal/logger"
	"github.com/renderfleet/renderfleet/workerapi"
)

// reportTimeout bounds the final complete/fail/requeue call for a lease.
const reportTimeout = 30 * time.Second

// errShutdown is the cancel cause for leases still running when the agent stops.
var errShutdown = errors.New("agent shutdown")

// API is the subset of the worker API the runner needs.
type API interface {
	Poll(ctx context.Context, req workerapi.PollRequest) (*workerapi.LeaseOffer, error)
	Heartbeat(ctx context.Context, dispatchID, token string) error
	Complete(ctx context.Context, dispatchID, token string, out client.Output) error
	Fail(ctx context.Context, dispatchID, token, message string) error
	Requeue(ctx context.Context, dispatchID, token, reason string) error
}

// Options configures a Runner.
type Options struct {
	MaxConcurrency    int
	Stages            []string
	Workflows         []string
	Provider          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	Command       []string
	WorkDir       string
	RenderTimeout time.Duration
}

// interruptedError is the cancel cause for leases handed back on a notice.
type interruptedError struct {
	notice interrupt.Notice
}

func (e *interruptedError) Error() string {
	return e.notice.Entry.Reason()
}

type activeLease struct {
	offer    *workerapi.LeaseOffer
	cancel   context.CancelCauseFunc
	leasedAt time.Time
}

// LeaseInfo describes a lease being rendered.
type LeaseInfo struct {
	DispatchID  string    `json:"dispatch_id"`
	TenantID    string    `json:"tenant_id"`
	TenantJobID string    `json:"tenant_job_id"`
	Stage       string    `json:"stage"`
	Attempt     int       `json:"attempt"`
	LeasedAt    time.Time `json:"leased_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Runner leases dispatches and drives each one to a terminal report.
type Runner struct {
	api     API
	opts    Options
	log     *logger.Logger
	limiter *rate.Limiter
	render  func(ctx context.Context, offer *workerapi.LeaseOffer) (client.Output, error)

	mu        sync.Mutex
	active    map[string]*activeLease
	stopPoll  context.CancelFunc
	stopCause error
	stopping  atomic.Bool
}

// New creates a runner. Polls across all slots share one limiter that allows
// a poll per PollInterval with a burst of one per slot.
func New(api API, opts Options, log *logger.Logger) *Runner {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	r := &Runner{
		api:     api,
		opts:    opts,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(opts.PollInterval), opts.MaxConcurrency),
		active:  make(map[string]*activeLease),
	}
	r.render = r.execRender
	return r
}

// ActiveLeases returns how many leases are being rendered.
func (r *Runner) ActiveLeases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Leases lists active leases ordered by dispatch id.
func (r *Runner) Leases() []LeaseInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LeaseInfo, 0, len(r.active))
	for _, l := range r.active {
		out = append(out, LeaseInfo{
			DispatchID:  l.offer.DispatchID,
			TenantID:    l.offer.TenantID,
			TenantJobID: l.offer.TenantJobID,
			Stage:       l.offer.Stage,
			Attempt:     l.offer.Attempt,
			LeasedAt:    l.leasedAt,
			ExpiresAt:   l.offer.LeaseExpiresAt,
		})
	}
	slices.SortFunc(out, func(a, b LeaseInfo) int { return strings.Compare(a.DispatchID, b.DispatchID) })
	return out
}

// Stopping reports whether an interruption has stopped polling.
func (r *Runner) Stopping() bool {
	return r.stopping.Load()
}

// Run polls and renders until ctx is done or an interruption arrives on
// notices. Either way every active lease gets a final report before Run
// returns.
func (r *Runner) Run(ctx context.Context, notices <-chan interrupt.Notice) error {
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	r.mu.Lock()
	r.stopPoll = stopPoll
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(pollCtx)
	for slot := range r.opts.MaxConcurrency {
		g.Go(func() error {
			r.slot(gctx, slot)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case n, ok := <-notices:
			if ok {
				r.Interrupt(n)
			}
		}
		return nil
	})

	return g.Wait()
}

// Interrupt stops polling and hands every active lease back. It returns the
// number of leases being requeued.
func (r *Runner) Interrupt(n interrupt.Notice) int {
	r.mu.Lock()
	if r.stopCause != nil {
		r.mu.Unlock()
		return 0
	}
	r.stopCause = &interruptedError{notice: n}
	r.stopping.Store(true)
	for _, l := range r.active {
		l.cancel(r.stopCause)
	}
	count := len(r.active)
	if r.stopPoll != nil {
		r.stopPoll()
	}
	r.mu.Unlock()

	r.log.LogInterrupted(string(n.Entry.Kind), n.Source, count)
	return count
}

func (r *Runner) slot(ctx context.Context, slot int) {
	for !r.stopping.Load() {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		offer, err := r.api.Poll(ctx, r.pollRequest())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("poll failed", "slot", slot, "error", err)
			continue
		}
		if offer == nil {
			continue
		}

		r.handle(ctx, offer)
	}
}

func (r *Runner) pollRequest() workerapi.PollRequest {
	return workerapi.PollRequest{
		CurrentLoad:    r.ActiveLeases(),
		MaxConcurrency: r.opts.MaxConcurrency,
		Stages:         r.opts.Stages,
		Workflows:      r.opts.Workflows,
		Provider:       r.opts.Provider,
	}
}

// handle renders one lease and reports its outcome. The lease context
// outlives ctx so a shutdown can still requeue.
func (r *Runner) handle(ctx context.Context, offer *workerapi.LeaseOffer) {
	leaseCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	stopAfter := context.AfterFunc(ctx, func() { cancel(errShutdown) })
	defer stopAfter()

	r.mu.Lock()
	r.active[offer.DispatchID] = &activeLease{offer: offer, cancel: cancel, leasedAt: time.Now()}
	if r.stopCause != nil {
		// Offered while an interruption was being handled.
		cancel(r.stopCause)
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, offer.DispatchID)
		r.mu.Unlock()
	}()

	r.log.LogLeased(offer)
	log := r.log.With("dispatch_id", offer.DispatchID)
	started := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(leaseCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(hbCtx, log, offer, cancel)
	}()

	var (
		out       client.Output
		renderErr error
	)
	if leaseCtx.Err() == nil {
		out, renderErr = r.render(leaseCtx, offer)
	}
	stopHeartbeat()
	<-hbDone

	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancelReport()

	cause := context.Cause(leaseCtx)
	var (
		outcome string
		err     error
	)
	switch {
	case errors.Is(cause, client.ErrLeaseLost):
		outcome = "lost"
	case cause == nil && renderErr == nil:
		outcome = "completed"
		err = r.api.Complete(reportCtx, offer.DispatchID, offer.LeaseToken, out)
	case cause != nil:
		outcome = "requeued"
		err = r.api.Requeue(reportCtx, offer.DispatchID, offer.LeaseToken, requeueReason(cause))
	default:
		outcome = "failed"
		err = r.api.Fail(reportCtx, offer.DispatchID, offer.LeaseToken, renderErr.Error())
	}

	switch {
	case errors.Is(err, client.ErrLeaseLost):
		log.Warn("lease lost before report", "outcome", outcome)
		outcome = "lost"
	case err != nil:
		log.Error("failed to report lease outcome", "outcome", outcome, "error", err)
	}
	r.log.LogFinished(offer.DispatchID, outcome, time.Since(started))
}

// heartbeat renews the lease until ctx is done. A lost lease cancels the
// render.
func (r *Runner) heartbeat(ctx context.Context, log *logger.Logger, offer *workerapi.LeaseOffer, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := r.api.Heartbeat(ctx, offer.DispatchID, offer.LeaseToken)
		switch {
		case errors.Is(err, client.ErrLeaseLost):
			log.Warn("lease lost")
			cancel(client.ErrLeaseLost)
			return
		case err != nil && ctx.Err() == nil:
			log.Warn("heartbeat failed", "error", err)
		}
	}
}

func requeueReason(cause error) string {
	var ie *interruptedError
	if errors.As(cause, &ie) {
		return ie.notice.Entry.Reason()
	}
	return cause.Error()
}
