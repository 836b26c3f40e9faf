// Package eventbus fans pipeline events out to live subscribers.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

const defaultBuffer = 256

// Bus is an in-process publish/subscribe channel keyed by pipeline id.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and must re-fetch state from the session store.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription // pipeline id -> subscriptions
	all    map[uint64]*Subscription
	nextID uint64
	buffer int
	logger *slog.Logger
	now    func() time.Time
}

// New creates a bus whose subscriptions buffer up to buffer events.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]map[uint64]*Subscription),
		all:    make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

// Subscription is one live listener.
type Subscription struct {
	id         uint64
	pipelineID string // empty for SubscribeAll
	ch         chan protocol.Event
	bus        *Bus
	dropped    atomic.Int64
	once       sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan protocol.Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Subscribe registers a listener for one pipeline. When snapshot is non-nil
// it is called under the bus lock and its event is delivered first, so no
// event published after the snapshot was taken can precede it.
func (b *Bus) Subscribe(pipelineID string, snapshot func() (protocol.Event, error)) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubscription(pipelineID)
	if snapshot != nil {
		ev, err := snapshot()
		if err != nil {
			return nil, err
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = b.now()
		}
		sub.ch <- ev
	}

	m, ok := b.subs[pipelineID]
	if !ok {
		m = make(map[uint64]*Subscription)
		b.subs[pipelineID] = m
	}
	m[sub.id] = sub
	b.logger.Debug("bus subscribe", "pipeline", pipelineID, "subscription", sub.id)
	return sub, nil
}

// SubscribeAll registers a listener for every pipeline.
func (b *Bus) SubscribeAll() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.newSubscription("")
	b.all[sub.id] = sub
	return sub
}

func (b *Bus) newSubscription(pipelineID string) *Subscription {
	b.nextID++
	return &Subscription{
		id:         b.nextID,
		pipelineID: pipelineID,
		ch:         make(chan protocol.Event, b.buffer),
		bus:        b,
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.pipelineID == "" {
		delete(b.all, s.id)
		return
	}
	if m, ok := b.subs[s.pipelineID]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.pipelineID)
		}
	}
}

// Publish delivers ev to the pipeline's subscribers and to global ones.
func (b *Bus) Publish(ev protocol.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[ev.PipelineID] {
		b.deliver(sub, ev)
	}
	for _, sub := range b.all {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev protocol.Event) {
	select {
	case sub.ch <- ev:
	default:
		if sub.dropped.Add(1) == 1 {
			b.logger.Warn("bus subscriber lagging, dropping events",
				"pipeline", ev.PipelineID,
				"subscription", sub.id,
				"kind", ev.Kind,
			)
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a pipeline.
func (b *Bus) SubscriberCount(pipelineID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[pipelineID])
}
