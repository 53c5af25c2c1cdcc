package events

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/store"
)

// subscriberBuffer is the number of undelivered events a subscriber may
// hold before the poller starts dropping.
const subscriberBuffer = 100

// PollerConfig tunes how the poller reads the audit log.
type PollerConfig struct {
	// PollInterval bounds the delay when no write notification arrives,
	// e.g. for events written by another server instance.
	PollInterval time.Duration
	BatchSize    int
}

// DefaultPollerConfig returns the production settings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 250 * time.Millisecond,
		BatchSize:    100,
	}
}

// Poller tails the audit_events table by seq and fans new rows out to
// subscribers. It implements audit.Notifier.
type Poller struct {
	store  *store.Store
	config PollerConfig
	logger *zap.Logger

	cursor atomic.Int64 // highest seq delivered

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	nextID int

	wake    chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPoller creates a poller. A nil logger discards output.
func NewPoller(s *store.Store, config PollerConfig, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultPollerConfig().BatchSize
	}
	return &Poller{
		store:  s,
		config: config,
		logger: logger.Named("events"),
		subs:   make(map[string]*Subscriber),
		wake:   make(chan struct{}, 1),
	}
}

// Start positions the cursor at the newest persisted event and begins
// tailing. History before Start is served by Broker.History, not the
// live stream.
func (p *Poller) Start(ctx context.Context) error {
	head, err := p.store.GetMaxAuditSeq(ctx)
	if err != nil {
		return err
	}
	p.cursor.Store(head)

	ctx, p.cancel = context.WithCancel(ctx)
	p.stopped = make(chan struct{})
	go p.run(ctx)

	p.logger.Info("event poller started", zap.Int64("seq", head))
	return nil
}

// Stop halts tailing and closes every subscriber, which ends open streams.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	select {
	case <-p.stopped:
	case <-time.After(5 * time.Second):
		p.logger.Warn("event poller did not stop in time")
	}

	p.mu.Lock()
	for id, sub := range p.subs {
		sub.Close()
		delete(p.subs, id)
	}
	p.mu.Unlock()
}

// NotifyNewEvent asks for an immediate read. Notifications coalesce.
func (p *Poller) NotifyNewEvent() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers a live subscriber. An empty tenantID receives every
// tenant's events.
func (p *Poller) Subscribe(tenantID string) *Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	sub := newSubscriber(strconv.Itoa(p.nextID), tenantID, subscriberBuffer)
	p.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscriber. It is safe to call after
// Stop.
func (p *Poller) Unsubscribe(sub *Subscriber) {
	p.mu.Lock()
	delete(p.subs, sub.ID)
	p.mu.Unlock()
	sub.Close()
}

// LastSeq returns the highest seq the poller has read.
func (p *Poller) LastSeq() int64 {
	return p.cursor.Load()
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.stopped)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		for p.drain(ctx) {
		}
	}
}

// drain reads one batch past the cursor and delivers it. It reports
// whether the batch was full, meaning more rows are probably waiting.
func (p *Poller) drain(ctx context.Context) bool {
	rows, err := p.store.ListAuditEventsAfterSeq(ctx, p.cursor.Load(), p.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("read audit events", zap.Error(err))
		}
		return false
	}
	if len(rows) == 0 {
		return false
	}

	p.mu.RLock()
	for i := range rows {
		ev := FromModel(&rows[i])
		for _, sub := range p.subs {
			if sub.wants(ev) && !sub.offer(ev) {
				p.logger.Warn("subscriber backlog full, dropping event",
					zap.String("subscriber", sub.ID),
					zap.String("tenant_id", sub.TenantID),
					zap.Int64("seq", ev.Seq))
			}
		}
	}
	p.mu.RUnlock()

	p.cursor.Store(rows[len(rows)-1].Seq)
	return len(rows) == p.config.BatchSize && ctx.Err() == nil
}
