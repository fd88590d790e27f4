package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sotto-labs/sotto/pkg/observe"
)

// DefaultQueueCapacity is the per-subscription delivery queue size.
const DefaultQueueCapacity = 256

// minQueueCapacity keeps room for a lagged marker alongside at least one
// real event; below this the marker-before-next-event guarantee breaks.
const minQueueCapacity = 8

// Bus is the process-local topic fanout. Safe for concurrent use. The zero
// value is not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string]map[uint64]*Subscription
	nextID   uint64
	queueCap int
}

// New creates a Bus whose subscriptions buffer up to queueCap events.
// Values below the minimum are clamped.
func New(queueCap int) *Bus {
	if queueCap < minQueueCapacity {
		queueCap = minQueueCapacity
	}
	return &Bus{
		topics:   make(map[string]map[uint64]*Subscription),
		queueCap: queueCap,
	}
}

// Subscription is a handle onto one topic's event stream. Receive from C()
// until it is closed. Close is idempotent and may be called from any
// goroutine.
type Subscription struct {
	id    uint64
	topic string
	bus   *Bus

	mu           sync.Mutex
	ch           chan Event
	closed       bool
	pendingDrops uint64
}

// C returns the delivery channel. It is closed when the subscription is
// closed or the bus shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string { return s.topic }

// Close detaches the subscription, drains any queued events, and closes the
// delivery channel. Idempotent.
func (s *Subscription) Close() {
	s.bus.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for {
		select {
		case <-s.ch:
		default:
			close(s.ch)
			return
		}
	}
}

// Subscribe attaches a new bounded subscription to topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		topic: topic,
		bus:   b,
		ch:    make(chan Event, b.queueCap),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*Subscription)
	}
	b.topics[topic][sub.id] = sub
	return sub
}

// Unsubscribe detaches and closes sub. Idempotent; equivalent to sub.Close.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Close()
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Publish delivers ev to every subscription on topic. It never blocks and
// never fails: a full subscriber queue costs that subscriber its oldest
// events (replaced by a lagged marker); other subscribers are unaffected.
func (b *Bus) Publish(topic string, ev Event) {
	ev.Topic = topic
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	observe.DefaultMetrics().RecordEventPublished(context.Background(), ev.Type)

	// Snapshot subscriber pointers under the read lock, then deliver
	// outside it so a slow eviction pass cannot stall Subscribe/Close.
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// Shutdown closes every subscription. Publishes after shutdown are no-ops.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	var all []*Subscription
	for _, subs := range b.topics {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.topics = make(map[string]map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

// deliver enqueues ev, evicting the oldest entries when the queue is full.
// Evictions are announced by a lagged marker that is placed ahead of ev, so
// the subscriber observes: ...older events, lagged(n), ev, newer events...
// Only one deliver runs per subscription at a time (s.mu); the consumer may
// drain concurrently.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- ev:
			return
		default:
		}

		// Queue full. Make room for the marker plus the event by evicting
		// up to two oldest entries. An evicted marker folds its count into
		// pendingDrops instead of counting as a lost event.
		for i := 0; i < 2; i++ {
			select {
			case old := <-s.ch:
				if lp, ok := old.Payload.(LaggedPayload); ok && old.Type == EventTypeLagged {
					// Folding a marker is not a new loss; its events were
					// already counted when they were evicted.
					s.pendingDrops += lp.Dropped
				} else {
					s.pendingDrops++
					observe.DefaultMetrics().RecordEventDropped(context.Background(), old.Type)
				}
			default:
			}
		}

		if s.pendingDrops > 0 {
			marker := Event{
				Type:    EventTypeLagged,
				Topic:   s.topic,
				Payload: LaggedPayload{Dropped: s.pendingDrops},
				At:      time.Now(),
			}
			select {
			case s.ch <- marker:
				slog.Debug("Subscriber lagged, oldest events dropped",
					"topic", s.topic, "dropped", s.pendingDrops)
				s.pendingDrops = 0
			default:
			}
		}
	}
}
