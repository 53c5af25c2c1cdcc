package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/renderfleet/renderfleet/server/internal/config"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

// Service sweeps expired leases and orphaned dispatches in the background.
// Polls already reclaim lazily; the sweep keeps reclamation prompt while no
// worker polls. Only the instance holding the dispatcher_leader row sweeps.
type Service struct {
	store    *store.Store
	manager  *Manager
	serverID string
	logger   *zap.Logger

	reclaimEvery   time.Duration
	heartbeatEvery time.Duration
	leaderTimeout  time.Duration

	leader atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewService creates a sweeper with a fresh server id.
func NewService(s *store.Store, m *Manager, cfg *config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:          s,
		manager:        m,
		serverID:       uuid.New().String(),
		logger:         logger.Named("sweeper"),
		reclaimEvery:   cfg.DispatcherReclaimInterval,
		heartbeatEvery: cfg.DispatcherHeartbeatInterval,
		leaderTimeout:  cfg.DispatcherHeartbeatTimeout,
	}
}

// ServerID identifies this instance in the leader row.
func (d *Service) ServerID() string {
	return d.serverID
}

// IsLeader reports whether this instance currently sweeps.
func (d *Service) IsLeader() bool {
	return d.leader.Load()
}

// Start launches the election and sweep loops.
func (d *Service) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.group, ctx = errgroup.WithContext(ctx)

	d.group.Go(func() error {
		d.campaign(ctx)
		every(ctx, d.heartbeatEvery, func() { d.campaign(ctx) })
		return nil
	})
	d.group.Go(func() error {
		every(ctx, d.reclaimEvery, func() { d.sweep(ctx) })
		return nil
	})
}

// Stop waits for both loops and hands leadership back so another instance
// can take over without waiting out the heartbeat timeout.
func (d *Service) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		d.logger.Warn("timeout waiting for sweeper loops")
	}

	if !d.leader.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.ReleaseLeadership(ctx, d.serverID); err != nil {
		d.logger.Warn("release leadership", zap.Error(err))
		return
	}
	d.logger.Info("leadership released", zap.String("server_id", d.serverID))
}

// campaign takes or renews the leader row. An error drops leadership since
// the heartbeat was not confirmed.
func (d *Service) campaign(ctx context.Context) {
	won, err := d.store.TryAcquireLeadership(ctx, d.serverID, d.leaderTimeout)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("leader election", zap.Error(err))
		}
		won = false
	}

	switch was := d.leader.Swap(won); {
	case won && !was:
		d.logger.Info("became leader", zap.String("server_id", d.serverID))
	case !won && was:
		d.logger.Info("lost leadership", zap.String("server_id", d.serverID))
	}
}

// sweep reclaims until a pass comes back short of a full batch.
func (d *Service) sweep(ctx context.Context) {
	for d.leader.Load() {
		res, err := d.manager.Reclaim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("reclaim sweep", zap.Error(err))
			}
			return
		}
		if res.Total() < d.manager.opts.ReclaimBatchSize {
			return
		}
	}
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
