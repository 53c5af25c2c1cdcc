// Package events streams audit events to subscribers.
// Events are persisted by the audit recorder; a poller reads them back in
// sequence order and fans them out, so every server instance sees events
// written by any other.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/store"
)

// Event is the streamed form of an audit event.
type Event struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	Name       string         `json:"event"`
	DispatchID string         `json:"dispatch_id,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// FromModel converts a model.AuditEvent to an Event.
func FromModel(e *model.AuditEvent) *Event {
	return &Event{
		Seq:        e.Seq,
		ID:         e.ID,
		Name:       e.Event,
		DispatchID: deref(e.DispatchID),
		WorkerID:   deref(e.WorkerID),
		TenantID:   deref(e.TenantID),
		Metadata:   e.Metadata,
		Timestamp:  e.CreatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Subscriber receives events for one tenant. An empty TenantID receives
// every event. Events is closed when the subscriber is closed.
type Subscriber struct {
	ID       string
	TenantID string
	Events   chan *Event

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped int64
}

func newSubscriber(id, tenantID string, buffer int) *Subscriber {
	return &Subscriber{
		ID:       id,
		TenantID: tenantID,
		Events:   make(chan *Event, buffer),
		done:     make(chan struct{}),
	}
}

// Close ends the subscription. Repeated calls are no-ops.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.Events)
}

// Done is closed once the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events were discarded because the subscriber
// fell behind. A reader that sees a gap can resume from History.
func (s *Subscriber) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) wants(e *Event) bool {
	return s.TenantID == "" || s.TenantID == e.TenantID
}

// offer delivers without blocking. It returns false if the event was
// dropped.
func (s *Subscriber) offer(e *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.Events <- e:
		return true
	default:
		s.dropped++
		return false
	}
}

// Broker pairs the poller's live stream with persisted history.
type Broker struct {
	store  *store.Store
	poller *Poller
}

// NewBroker creates a broker over a poller the caller starts and stops.
func NewBroker(s *store.Store, poller *Poller) *Broker {
	return &Broker{
		store:  s,
		poller: poller,
	}
}

// Subscribe creates a new subscription for a tenant's events.
func (b *Broker) Subscribe(tenantID string) *Subscriber {
	return b.poller.Subscribe(tenantID)
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.poller.Unsubscribe(sub)
}

// History returns a tenant's persisted events after afterSeq and since.
func (b *Broker) History(ctx context.Context, tenantID string, afterSeq int64, since time.Time) ([]*Event, error) {
	rows, err := b.store.ListTenantAuditEvents(ctx, tenantID, afterSeq, since.UTC())
	if err != nil {
		return nil, err
	}
	out := make([]*Event, len(rows))
	for i := range rows {
		out[i] = FromModel(&rows[i])
	}
	return out, nil
}
