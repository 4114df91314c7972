// Package bus is a bounded, lossy fan-out channel. A subscriber that falls
// behind misses messages and must resynchronize on its own.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// ErrClosed is returned by Next once the subscription or the bus is closed.
var ErrClosed = errors.New("bus: closed")

// DefaultCapacity is the per-subscriber buffer used when none is given.
const DefaultCapacity = 256

// Delivery reports the outcome of one Publish.
type Delivery struct {
	Delivered int
	Dropped   int
}

type Broadcast[T any] struct {
	mu       sync.Mutex
	capacity int
	nextID   uint64
	subs     map[uint64]*Subscription[T]
	closed   bool
}

func New[T any](capacity int) *Broadcast[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcast[T]{capacity: capacity, subs: make(map[uint64]*Subscription[T])}
}

// Subscribe registers a new receiver. It only sees messages published
// after it subscribed.
func (b *Broadcast[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription[T]{id: b.nextID, ch: make(chan T, b.capacity), parent: b}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish never blocks. A full subscriber buffer drops the message for that
// subscriber and bumps its missed counter.
func (b *Broadcast[T]) Publish(msg T) (Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) == 0 {
		return Delivery{}, apperrors.ErrNoSubscribers
	}
	var d Delivery
	for _, sub := range b.subs {
		select {
		case sub.ch <- msg:
			d.Delivered++
		default:
			sub.missed.Add(1)
			d.Dropped++
		}
	}
	if d.Delivered == 0 {
		return d, apperrors.ErrChannelSaturated
	}
	return d, nil
}

// Len is the number of live subscribers.
func (b *Broadcast[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes report no subscribers.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Broadcast[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Subscription is one receiver's bounded queue. closed is guarded by the
// parent's mutex.
type Subscription[T any] struct {
	id     uint64
	ch     chan T
	parent *Broadcast[T]
	missed atomic.Uint64
	closed bool
}

// C exposes the raw channel for select loops. It is closed on Close.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Next blocks for the next message and returns how many were missed since
// the previous call.
func (s *Subscription[T]) Next(ctx context.Context) (T, uint64, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, 0, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return zero, s.missed.Swap(0), ErrClosed
		}
		return msg, s.missed.Swap(0), nil
	}
}

// TryNext returns a buffered message without blocking.
func (s *Subscription[T]) TryNext() (T, bool) {
	select {
	case msg, ok := <-s.ch:
		return msg, ok
	default:
		var zero T
		return zero, false
	}
}

// Missed returns and resets the dropped-message counter.
func (s *Subscription[T]) Missed() uint64 { return s.missed.Swap(0) }

func (s *Subscription[T]) Close() { s.parent.remove(s) }
