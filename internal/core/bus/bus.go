// Package bus provides the in-process broadcast primitive that fans events
// out from multiple producers to any number of independent subscribers.
//
// Publish never blocks a producer: each subscriber owns a bounded queue and
// a lagging subscriber loses its oldest undelivered entries, observable via
// a missed counter rather than silently. The bus also retains the most
// recent events in a ring so SSE clients can resume from a sequence id.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lorrc/event-gateway/internal/core/domain"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
)

// DefaultCapacity is the default ring buffer size.
const DefaultCapacity = 256

// Envelope pairs an event with its bus-assigned sequence number. Sequence
// numbers are monotonically increasing across all producers.
type Envelope struct {
	Seq   uint64
	Event domain.Event
}

// Bus is the process-wide broadcast sender. Created once at startup and
// safe for concurrent Publish from any number of goroutines.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	ring     []Envelope
	capacity int
	seq      uint64
	closed   bool
	logger   *slog.Logger
}

// New creates a bus with the given ring capacity.
func New(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		ring:     make([]Envelope, 0, capacity),
		capacity: capacity,
		logger:   logger.With("component", "event_bus"),
	}
}

// Publish broadcasts an event to every current subscriber. It never blocks;
// subscribers that cannot keep up lose their oldest undelivered entries and
// see the loss through their missed counter. Publishing with zero
// subscribers succeeds. Publishing after Close is a no-op.
func (b *Bus) Publish(event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	env := Envelope{Seq: b.seq, Event: event}

	if len(b.ring) == b.capacity {
		copy(b.ring, b.ring[1:])
		b.ring[len(b.ring)-1] = env
	} else {
		b.ring = append(b.ring, env)
	}

	for sub := range b.subs {
		sub.offer(env)
	}
}

// Subscribe attaches a new receiver that sees only events published after
// this call. Returns ErrBusClosed once the bus has been torn down.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.ErrBusClosed
	}

	sub := &Subscription{
		bus: b,
		ch:  make(chan Envelope, b.capacity),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// ReplaySince returns buffered events with sequence numbers greater than
// seq, oldest first. The ring is not a durable log: entries that have been
// overwritten are simply absent.
func (b *Bus) ReplaySince(seq uint64) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Envelope
	for _, env := range b.ring {
		if env.Seq > seq {
			out = append(out, env)
		}
	}
	return out
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close tears the bus down at process shutdown. All subscriber channels are
// closed; subsequent Publish calls are dropped and Subscribe fails.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		delete(b.subs, sub)
		sub.closeChan()
	}
	b.logger.Info("event bus closed", "last_seq", b.seq)
}

// Subscription is one receiver handle. Owned by a single consuming
// goroutine; Close releases it independently of producers.
type Subscription struct {
	bus       *Bus
	ch        chan Envelope
	missed    atomic.Uint64
	closeOnce sync.Once
}

// Events returns the receive channel. It is closed when either the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan Envelope {
	return s.ch
}

// Missed returns the number of events dropped for this subscriber since the
// last call, and resets the counter. A non-zero value is the lag signal:
// the consumer fell behind the ring buffer and should resync if it needs a
// complete picture.
func (s *Subscription) Missed() uint64 {
	return s.missed.Swap(0)
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// offer enqueues env without blocking. When the queue is full the oldest
// entry is discarded and counted as missed. Called with the bus lock held,
// so it never races with subscription removal.
func (s *Subscription) offer(env Envelope) {
	for i := 0; i < 2; i++ {
		select {
		case s.ch <- env:
			return
		default:
		}
		select {
		case <-s.ch:
			s.missed.Add(1)
		default:
			// Consumer drained concurrently; retry the send.
		}
	}
	// Queue still contended after eviction; count env itself as missed.
	s.missed.Add(1)
}
