// Package status delivers entity status to observers: a push channel with a
// per-entity subscriber registry, and a version-keyed polling fallback.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/metrics"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// Reasons a subscription is ended by the server.
var (
	ErrSlowSubscriber = errors.New("subscriber fell behind")
	ErrEntityDeleted  = errors.New("entity deleted")
	ErrClosed         = errors.New("status channel closed")
)

// EntityReader loads entities for snapshots.
type EntityReader interface {
	Get(ctx context.Context, id string) (*types.Entity, error)
}

// Sink receives every published event after live subscribers. Publish must
// not block.
type Sink interface {
	Publish(ev types.StatusEvent)
}

// Subscription is one observer's live view of one entity.
type Subscription struct {
	id       uint64
	entityID string
	events   chan types.StatusEvent
	done     chan struct{}
	once     sync.Once
	err      error
	ch       *Channel
}

// Events delivers status events in publish order.
func (s *Subscription) Events() <-chan types.StatusEvent { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended: ErrSlowSubscriber,
// ErrEntityDeleted, ErrClosed, or nil if the subscriber closed it.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.ch.remove(s, nil)
}

func (s *Subscription) end(err error) bool {
	ended := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		ended = true
	})
	return ended
}

// Channel fans status events out to the subscribers of each entity.
type Channel struct {
	store   EntityReader
	buffer  int
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool
	sinks  []Sink
}

// NewChannel creates a status channel. buffer is the number of events a
// subscriber may fall behind before it is dropped.
func NewChannel(store EntityReader, buffer int, m *metrics.Metrics) *Channel {
	if buffer <= 0 {
		buffer = 32
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Channel{
		store:   store,
		buffer:  buffer,
		metrics: m,
		logger:  logging.WithComponent("status"),
		subs:    make(map[string]map[uint64]*Subscription),
	}
}

// AddSink registers a sink for every published event.
func (c *Channel) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Subscribe registers for entityID's events and returns the current status.
// Registration happens before the snapshot is read, so any event the snapshot
// does not reflect is delivered on the subscription; events at or below the
// snapshot version may also arrive and should be discarded by version.
func (c *Channel) Subscribe(ctx context.Context, ownerID, entityID string) (*Subscription, types.Status, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.Status{}, fmt.Errorf("%w: status channel is shutting down", types.ErrUnavailable)
	}
	c.nextID++
	sub := &Subscription{
		id:       c.nextID,
		entityID: entityID,
		events:   make(chan types.StatusEvent, c.buffer),
		done:     make(chan struct{}),
		ch:       c,
	}
	if c.subs[entityID] == nil {
		c.subs[entityID] = make(map[uint64]*Subscription)
	}
	c.subs[entityID][sub.id] = sub
	c.mu.Unlock()
	c.metrics.RecordSubscribe()

	st, err := c.CurrentStatus(ctx, ownerID, entityID)
	if err != nil {
		c.remove(sub, nil)
		return nil, types.Status{}, err
	}
	return sub, st, nil
}

// CurrentStatus returns the stored status of entityID. Entities owned by
// someone else are reported as not found.
func (c *Channel) CurrentStatus(ctx context.Context, ownerID, entityID string) (types.Status, error) {
	e, err := c.store.Get(ctx, entityID)
	if err != nil {
		return types.Status{}, err
	}
	if e.OwnerID != ownerID {
		return types.Status{}, fmt.Errorf("%w: entity %s", types.ErrNotFound, entityID)
	}
	return e.Status(), nil
}

// Publish delivers ev to every subscriber of its entity without blocking.
// A subscriber whose buffer is full is dropped with ErrSlowSubscriber. A
// deleted event ends all subscriptions of the entity after delivery.
func (c *Channel) Publish(ev types.StatusEvent) {
	c.mu.Lock()
	var dropped []*Subscription
	for _, sub := range c.subs[ev.EntityID] {
		select {
		case sub.events <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		c.removeLocked(sub, ErrSlowSubscriber)
	}
	if ev.Type == types.EventDeleted {
		for _, sub := range c.subs[ev.EntityID] {
			c.removeLocked(sub, ErrEntityDeleted)
		}
	}
	sinks := c.sinks
	c.mu.Unlock()

	for _, sub := range dropped {
		c.logger.Warn().
			Str("entityId", ev.EntityID).
			Uint64("subscription", sub.id).
			Int64("version", ev.Version).
			Msg("Dropping slow subscriber")
	}

	c.metrics.RecordEvent(string(ev.Type))
	for _, s := range sinks {
		s.Publish(ev)
	}
}

// Subscribers returns the number of live subscriptions for entityID.
func (c *Channel) Subscribers(entityID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[entityID])
}

// Close ends every subscription with ErrClosed and refuses new ones.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, subs := range c.subs {
		for _, sub := range subs {
			c.removeLocked(sub, ErrClosed)
		}
	}
}

func (c *Channel) remove(sub *Subscription, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(sub, reason)
}

func (c *Channel) removeLocked(sub *Subscription, reason error) {
	if subs, ok := c.subs[sub.entityID]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(c.subs, sub.entityID)
		}
	}
	if sub.end(reason) {
		label := ""
		switch reason {
		case ErrSlowSubscriber:
			label = "slow"
		case ErrEntityDeleted:
			label = "deleted"
		case ErrClosed:
			label = "shutdown"
		}
		c.metrics.RecordUnsubscribe(label)
	}
}
