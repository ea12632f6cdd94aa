// Package param implements the Parameter & Observable primitives of spec §4.1
// (component C1): a typed, validated, subscribable cell that underlies every
// observable device attribute in the HAL.
//
// There is no teacher equivalent — the teacher publishes raw values straight
// onto its bus rather than modeling a typed cell in between — so the shape
// here is built fresh, borrowing only the "subscribers may lag and drop"
// channel idiom already used by internal/bus (bus.Bus.tryDeliver: send or
// drop-oldest-then-send) and generalizing it to a typed Go value instead of
// an `any`-typed bus Message.
package param

import "sync"

// Observable is a cell holding the latest value of type T, plus a set of
// subscriber channels receiving every change. Subscribers may lag; a lagging
// subscriber drops its oldest buffered update rather than blocking the
// writer (same policy as internal/bus's broadcast delivery).
type Observable[T any] struct {
	mu   sync.RWMutex
	val  T
	subs map[*subscription[T]]struct{}
}

type subscription[T any] struct {
	ch chan T
	ob *Observable[T]
}

// NewObservable creates an Observable seeded with an initial value.
func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{val: initial, subs: make(map[*subscription[T]]struct{})}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.val
}

// set is privileged: only Parameter.write/reload may call it, which is why
// it is unexported — Observable itself never validates or gates a write.
func (o *Observable[T]) set(v T) {
	o.mu.Lock()
	o.val = v
	subs := make([]*subscription[T], 0, len(o.subs))
	for s := range o.subs {
		subs = append(subs, s)
	}
	o.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- v:
		default:
			// Lagging subscriber: drop the oldest buffered value and retry
			// once. If it's still full (a second writer raced us) the
			// subscriber simply misses this update — at-most-once delivery,
			// never a blocked producer.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- v:
			default:
			}
		}
	}
}

// Subscription is a receiver endpoint for an Observable's change stream.
type Subscription[T any] struct {
	inner *subscription[T]
}

// Next blocks for the next update, or returns ok=false if Close was called.
func (s *Subscription[T]) Next() (T, bool) {
	v, ok := <-s.inner.ch
	return v, ok
}

// C exposes the raw channel for use in select statements (a suspension
// point, per spec §5).
func (s *Subscription[T]) C() <-chan T { return s.inner.ch }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	o := s.inner.ob
	o.mu.Lock()
	if _, ok := o.subs[s.inner]; ok {
		delete(o.subs, s.inner)
		close(s.inner.ch)
	}
	o.mu.Unlock()
}

// Subscribe returns a receiver yielding every subsequent change. bufLen sizes
// the channel (0 defaults to 1).
func (o *Observable[T]) Subscribe(bufLen int) *Subscription[T] {
	if bufLen <= 0 {
		bufLen = 1
	}
	s := &subscription[T]{ch: make(chan T, bufLen), ob: o}
	o.mu.Lock()
	o.subs[s] = struct{}{}
	o.mu.Unlock()
	return &Subscription[T]{inner: s}
}
