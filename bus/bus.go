// Package bus is a bounded, multi-consumer publish/subscribe channel for typed events.
//
// Publish never blocks. Every subscriber owns a ring buffer of fixed capacity; when a
// slow subscriber falls behind, its oldest unread events are overwritten so that
// publishers are never held up by a stalled consumer.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/onnwee/songbot/telemetry"
)

// DefaultCapacity is the number of pending events kept per subscriber.
const DefaultCapacity = 256

// ErrClosed is returned by Next once the subscription (or the bus) has been closed.
var ErrClosed = errors.New("bus: subscription closed")

// Bus fans events out to all current subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
}

// New creates a bus whose subscribers buffer at most capacity events.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{subs: make(map[*Subscription]struct{}), capacity: capacity}
}

// Publish delivers ev to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.deliver(ev)
	}
}

// Subscribe registers a new subscriber that only sees events published from now on.
// The name is used in logs and metrics. When kinds are given, only events whose Kind
// is listed are buffered, so unrelated traffic cannot push them out of the ring.
func (b *Bus) Subscribe(name string, kinds ...string) *Subscription {
	s := &Subscription{
		name:   name,
		bus:    b,
		buf:    newRing[Event](b.capacity),
		notify: make(chan struct{}, 1),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Close detaches and closes every subscription. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[*Subscription]struct{}{}
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.markClosed()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer's independent receive stream.
type Subscription struct {
	name    string
	bus     *Bus
	kinds   map[string]struct{} // nil accepts every kind
	mu      sync.Mutex
	buf     *ring[Event]
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// Name returns the subscriber name given to Subscribe.
func (s *Subscription) Name() string { return s.name }

func (s *Subscription) deliver(ev Event) {
	if s.kinds != nil {
		if _, ok := s.kinds[ev.Kind()]; !ok {
			return
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	dropped := s.buf.push(ev)
	if dropped {
		s.dropped++
	}
	s.mu.Unlock()
	if dropped {
		telemetry.BusEventDropped(s.name)
		slog.Debug("bus subscriber behind; dropped oldest event", slog.String("subscriber", s.name), slog.String("component", "bus"))
	}
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value whenever events may be pending.
// It is edge-triggered: after a wake, drain with TryNext until it reports false
// or call Rearm after taking a single event.
func (s *Subscription) Ready() <-chan struct{} { return s.notify }

// TryNext pops the oldest pending event, if any.
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.pop()
}

// Rearm re-signals Ready when events are still pending. Consumers that take a single
// event per wake call it so the remaining backlog is picked up on the next select.
func (s *Subscription) Rearm() {
	s.mu.Lock()
	pending := s.buf.len() > 0
	s.mu.Unlock()
	if pending {
		s.wake()
	}
}

// Pending returns the number of unread events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.len()
}

// Dropped returns how many events were overwritten because this subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Next blocks until an event is available, the context ends or the subscription closes.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		ev, ok := s.buf.pop()
		closed := s.closed
		s.mu.Unlock()
		if ok {
			return ev, nil
		}
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscription from the bus. Pending events are discarded.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Handler processes a single event.
type Handler func(ctx context.Context, ev Event) error

// Consume runs a cooperative consumer loop over sub until ctx is done or the subscription
// closes. A handler error or panic is logged and the loop moves on to the next event.
func Consume(ctx context.Context, sub *Subscription, h Handler) {
	logger := slog.Default().With(slog.String("component", "bus"), slog.String("subscriber", sub.Name()))
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
				logger.Warn("consumer stopped", slog.Any("err", err))
			}
			return
		}
		if err := SafeHandle(ctx, h, ev); err != nil {
			logger.Warn("event handler failed", slog.String("event", ev.Kind()), slog.Any("err", err))
		}
	}
}

// SafeHandle invokes h and converts a panic into an error.
func SafeHandle(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v\n%s", ev.Kind(), r, debug.Stack())
		}
	}()
	return h(ctx, ev)
}
