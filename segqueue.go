// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package forever

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// SegQueue is a concurrent FIFO queue that holds each value at most once.
//
// Values flow through an [Unbounded] queue. A companion concurrent set
// answers Contains in O(1) and suppresses duplicate pushes. The head of the
// FIFO is staged in a one-slot cache so Peek can be answered repeatedly
// without disturbing the underlying queue, which has no native peek.
//
// A value stays in the set from Push until the Pop that returns it, so a
// value sitting in the cache still counts as present.
type SegQueue[T comparable] struct {
	inner *Unbounded[T]
	set   *xsync.MapOf[T, struct{}]

	mu     sync.RWMutex // Guards cache and cached
	cache  T
	cached bool
}

// NewSegQueue creates an empty SegQueue.
func NewSegQueue[T comparable]() *SegQueue[T] {
	return newSegQueue[T](DefaultSegmentSize)
}

func newSegQueue[T comparable](segment int) *SegQueue[T] {
	return &SegQueue[T]{
		inner: newUnbounded[T](segment),
		set:   xsync.NewMapOf[T, struct{}](),
	}
}

// Peek returns the head without removing it.
// Returns false if the queue is empty.
func (q *SegQueue[T]) Peek() (T, bool) {
	q.mu.RLock()
	if q.cached {
		v := q.cache
		q.mu.RUnlock()
		return v, true
	}
	q.mu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fill()
}

// Pop removes and returns the head.
// Returns false if the queue is empty.
func (q *SegQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, ok := q.fill()
	if !ok {
		return v, false
	}
	var zero T
	q.cache = zero
	q.cached = false
	q.set.Delete(v)
	return v, true
}

// fill stages the FIFO head in the cache. Caller holds mu for writing.
func (q *SegQueue[T]) fill() (T, bool) {
	if q.cached {
		return q.cache, true
	}
	v, err := q.inner.Dequeue()
	if err != nil {
		return v, false
	}
	q.cache = v
	q.cached = true
	return v, true
}

// Contains reports whether v is queued (including a staged head).
func (q *SegQueue[T]) Contains(v T) bool {
	_, ok := q.set.Load(v)
	return ok
}

// Push appends v unless it is already queued, in which case Push is a no-op.
func (q *SegQueue[T]) Push(v T) {
	if _, loaded := q.set.LoadOrStore(v, struct{}{}); loaded {
		return
	}
	q.inner.Enqueue(&v)
}

// Len returns the number of queued values.
// The count is approximate while other goroutines push or pop.
func (q *SegQueue[T]) Len() int {
	return q.set.Size()
}

// Enqueue is Push in [Producer] form. It always returns nil.
func (q *SegQueue[T]) Enqueue(elem *T) error {
	q.Push(*elem)
	return nil
}

// Dequeue is Pop in [Consumer] form.
// Returns (zero-value, ErrWouldBlock) if the queue is empty.
func (q *SegQueue[T]) Dequeue() (T, error) {
	v, ok := q.Pop()
	if !ok {
		return v, ErrWouldBlock
	}
	return v, nil
}
