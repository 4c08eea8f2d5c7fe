// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package forever

import (
	"errors"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// finalBit marks a ring tail as finalized. Indices never reach bit 63.
const finalBit = uint64(1) << 63

// errFinalized is returned by ring.enqueue once the ring accepts no more
// elements. It never escapes the package.
var errFinalized = errors.New("forever: ring finalized")

// ring is a CAS-based bounded MPMC ring that can be finalized.
//
// Slots carry sequence numbers for ABA safety (seq == index: free for the
// producer at index; seq == index+1: published for the consumer at index).
// When a producer finds the ring full it sets finalBit on tail instead of
// reporting backpressure; from then on every enqueue fails with
// errFinalized and the tail index is frozen, so consumers can tell when the
// ring is drained.
//
// Memory: n slots (16+ bytes per slot)
type ring[T any] struct {
	_        pad
	tail     atomix.Uint64 // Producer index | finalBit
	_        pad
	head     atomix.Uint64 // Consumer index
	_        pad
	next     atomic.Pointer[ring[T]] // Successor, set once after finalize
	_        padPtr
	buffer   []ringSlot[T]
	mask     uint64
	capacity uint64
}

type ringSlot[T any] struct {
	seq  atomix.Uint64
	data T
	_    padShort // Pad to cache line
}

// newRing creates a ring of n slots. n must be a power of 2.
func newRing[T any](n int) *ring[T] {
	size := uint64(n)
	r := &ring[T]{
		buffer:   make([]ringSlot[T], size),
		mask:     size - 1,
		capacity: size,
	}

	for i := uint64(0); i < size; i++ {
		r.buffer[i].seq.StoreRelaxed(i)
	}

	return r
}

// enqueue adds an element to the ring.
// Returns errFinalized if the ring is (or just became) finalized.
func (r *ring[T]) enqueue(elem *T) error {
	sw := spin.Wait{}
	for {
		tail := r.tail.LoadAcquire()
		if tail&finalBit != 0 {
			return errFinalized
		}
		slot := &r.buffer[tail&r.mask]
		seq := slot.seq.LoadAcquire()
		diff := int64(seq) - int64(tail)

		if diff == 0 {
			if r.tail.CompareAndSwapAcqRel(tail, tail+1) {
				slot.data = *elem
				slot.seq.StoreRelease(tail + 1)
				return nil
			}
		} else if diff < 0 {
			// Full: freeze the tail. A failed CAS means tail moved; retry.
			if r.tail.CompareAndSwapAcqRel(tail, tail|finalBit) {
				return errFinalized
			}
			continue
		}
		sw.Once()
	}
}

// dequeue removes and returns an element from the ring.
// Returns (zero-value, ErrWouldBlock) if the head slot is not published,
// which covers both an empty ring and a producer that has claimed the slot
// but not yet written it.
func (r *ring[T]) dequeue() (T, error) {
	sw := spin.Wait{}
	for {
		head := r.head.LoadAcquire()
		slot := &r.buffer[head&r.mask]
		seq := slot.seq.LoadAcquire()
		diff := int64(seq) - int64(head+1)

		if diff == 0 {
			if r.head.CompareAndSwapAcqRel(head, head+1) {
				elem := slot.data
				var zero T
				slot.data = zero
				slot.seq.StoreRelease(head + r.capacity)
				return elem, nil
			}
		} else if diff < 0 {
			var zero T
			return zero, ErrWouldBlock
		}
		sw.Once()
	}
}

// drained reports whether a finalized ring has handed out every claimed slot.
// Only meaningful once finalBit is set (tail frozen).
func (r *ring[T]) drained() bool {
	return r.head.LoadAcquire() >= r.tail.LoadAcquire()&^finalBit
}
