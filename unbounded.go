// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package forever

import "sync/atomic"

// Unbounded is a lock-free multi-producer multi-consumer FIFO queue
// without a capacity limit.
//
// The queue is a linked list of bounded rings. Producers fill the tail
// ring; the producer that finds it full finalizes it, links a fresh ring
// already holding its element, and swings the tail pointer. Consumers
// drain the head ring and move on only once a finalized ring has handed
// out every claimed slot, which keeps FIFO order across ring boundaries.
// Drained rings are reclaimed by the garbage collector.
//
// Memory: one ring of SegmentSize slots at minimum, growing one ring at a
// time with the backlog.
type Unbounded[T any] struct {
	_       pad
	head    atomic.Pointer[ring[T]] // Consumer ring
	_       padPtr
	tail    atomic.Pointer[ring[T]] // Producer ring
	_       padPtr
	segment int
}

// NewUnbounded creates an Unbounded queue with the default segment size.
func NewUnbounded[T any]() *Unbounded[T] {
	return newUnbounded[T](DefaultSegmentSize)
}

func newUnbounded[T any](segment int) *Unbounded[T] {
	r := newRing[T](roundToPow2(segment))
	q := &Unbounded[T]{segment: int(r.capacity)}
	q.head.Store(r)
	q.tail.Store(r)
	return q
}

// Enqueue adds an element to the queue.
// The queue never fills, so Enqueue always returns nil.
func (q *Unbounded[T]) Enqueue(elem *T) error {
	for {
		r := q.tail.Load()
		if r.enqueue(elem) == nil {
			return nil
		}

		next := r.next.Load()
		if next == nil {
			fresh := newRing[T](q.segment)
			_ = fresh.enqueue(elem) // Empty ring, cannot fail
			if r.next.CompareAndSwap(nil, fresh) {
				q.tail.CompareAndSwap(r, fresh)
				return nil
			}
			next = r.next.Load()
		}
		// Help a lagging producer swing the tail
		q.tail.CompareAndSwap(r, next)
	}
}

// Dequeue removes and returns the oldest element.
// Returns (zero-value, ErrWouldBlock) if the queue is empty.
//
// An element whose Enqueue has not returned yet may be reported as absent;
// the queue is linearizable with respect to completed operations.
func (q *Unbounded[T]) Dequeue() (T, error) {
	for {
		r := q.head.Load()
		elem, err := r.dequeue()
		if err == nil {
			return elem, nil
		}

		next := r.next.Load()
		if next == nil || !r.drained() {
			var zero T
			return zero, ErrWouldBlock
		}
		q.head.CompareAndSwap(r, next)
	}
}

// SegmentSize returns the ring size of each segment.
func (q *Unbounded[T]) SegmentSize() int {
	return q.segment
}
