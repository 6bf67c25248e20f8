// Package bus is the in-process event publisher. Every bridge occurrence
// (message forwarded, pair changed, status snapshot) is published here and
// fanned out to subscribers; the gateway server is the primary consumer.
package bus

import (
	"errors"
	"sync"
	"time"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("bus: closed")

// Event is one sequenced occurrence scoped to an instance. Seq is strictly
// increasing per instance with no gaps at the point of publication.
type Event struct {
	InstanceID string
	Type       string
	Seq        uint64
	Time       time.Time
	Payload    interface{}
}

// Predicate filters events for one subscription. A nil predicate matches
// everything.
type Predicate func(Event) bool

// Subscription is a named tap on the event stream. C is closed on
// Unsubscribe, on bus Close, or when the subscriber falls too far behind.
// Overflow is fatal to the tap, never silently lossy: a dropped event
// would break the no-gaps delivery guarantee.
type Subscription struct {
	Name string
	C    <-chan Event

	bus    *Bus
	ch     chan Event
	dead   bool
	closed sync.Once
}

// Unsubscribe detaches the tap and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus sequences and fans out events. Publication is serialized: sequence
// assignment and fan-out happen under one lock so no subscriber can
// observe out-of-order delivery for an instance.
type Bus struct {
	mu     sync.Mutex
	seq    map[string]uint64
	subs   []*Subscription
	preds  map[*Subscription]Predicate
	closed bool
}

// New creates an open bus.
func New() *Bus {
	return &Bus{
		seq:   make(map[string]uint64),
		preds: make(map[*Subscription]Predicate),
	}
}

// Subscribe registers a named tap. Events matching the predicate are
// delivered in publication order into a channel of the given buffer size.
func (b *Bus) Subscribe(name string, pred Predicate, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{Name: name, C: ch, bus: b, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.dead = true
		sub.closed.Do(func() { close(ch) })
		return sub
	}
	b.subs = append(b.subs, sub)
	b.preds[sub] = pred
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// removeLocked detaches sub and closes its channel once. Safe to call
// during fan-out: the fan-out loop iterates a snapshot.
func (b *Bus) removeLocked(sub *Subscription) {
	if sub.dead {
		return
	}
	sub.dead = true
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	delete(b.preds, sub)
	sub.closed.Do(func() { close(sub.ch) })
}

// Publish assigns the next sequence number for the instance and fans the
// event out. A subscriber whose buffer is full is detached and its channel
// closed; the caller of Subscribe treats that as a fatal backpressure
// signal.
func (b *Bus) Publish(instanceID, eventType string, payload interface{}) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}, ErrBusClosed
	}

	b.seq[instanceID]++
	ev := Event{
		InstanceID: instanceID,
		Type:       eventType,
		Seq:        b.seq[instanceID],
		Time:       time.Now(),
		Payload:    payload,
	}

	// Snapshot the list: removeLocked mutates b.subs mid-iteration.
	subs := append([]*Subscription{}, b.subs...)
	for _, sub := range subs {
		if sub.dead {
			continue
		}
		if pred := b.preds[sub]; pred != nil && !pred(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.removeLocked(sub)
		}
	}
	return ev, nil
}

// Close detaches every subscriber and rejects further publication.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range append([]*Subscription{}, b.subs...) {
		b.removeLocked(sub)
	}
}
