// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package forever

import "math/big"

// Queue is the combined producer-consumer interface for an unbounded FIFO.
//
// Both [Unbounded] and [SegQueue] implement Queue. Enqueue never reports
// backpressure; Dequeue returns ErrWouldBlock when nothing is available.
//
// Example:
//
//	var q forever.Queue[int] = forever.NewUnbounded[int]()
//
//	val := 42
//	q.Enqueue(&val)
//
//	elem, err := q.Dequeue()
//	if err == nil {
//	    fmt.Println(elem)
//	}
type Queue[T any] interface {
	Producer[T]
	Consumer[T]
}

// Producer is the interface for enqueueing elements.
//
// The element is passed by pointer to avoid copying large structs. The
// queue stores a copy of the pointed-to value, so the original can be
// modified after Enqueue returns.
type Producer[T any] interface {
	// Enqueue adds an element to the queue (non-blocking).
	// Unbounded queues always accept the element and return nil.
	Enqueue(elem *T) error
}

// Consumer is the interface for dequeueing elements.
type Consumer[T any] interface {
	// Dequeue removes and returns the oldest element (non-blocking).
	// Returns (zero-value, ErrWouldBlock) if the queue is empty.
	Dequeue() (T, error)
}

// Allocator issues unbounded identifiers and takes them back for reuse.
//
// [AtomicPoll] is the implementation; the interface lets callers accept
// any allocator, for instance a wrapper that records issued identifiers.
type Allocator interface {
	// Get returns the identifier the next GetAndIncrease would issue,
	// without changing any state.
	Get() *big.Int

	// GetAndIncrease issues an identifier. Released identifiers are
	// preferred over fresh ones.
	GetAndIncrease() *big.Int

	// Release hands id back for reuse. Identifiers that were never issued,
	// or are already waiting for reuse, are ignored.
	Release(id *big.Int)
}
