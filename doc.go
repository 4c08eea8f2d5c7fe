// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package forever provides concurrency primitives that never run out.
//
// The package offers three primitives, each built on the one before:
//
//   - SegQueue: a concurrent FIFO that holds each value at most once
//   - AtomicPoll: an unbounded identifier allocator with recycling
//   - InstantBus: a broadcast bus keyed by AtomicPoll identifiers
//
// plus Unbounded, the lock-free MPMC queue underneath all of them.
//
// # Quick Start
//
// Direct constructors (recommended for most cases):
//
//	p := forever.NewAtomicPoll()
//	q := forever.NewSegQueue[string]()
//	bus := forever.NewInstantBus[Event]()
//
// Builder API for non-default configuration:
//
//	p := forever.New().Width(8).BuildPoll()                    // rollover every 255 ids
//	q := forever.BuildQueue[string](forever.New().SegmentSize(16))
//	bus := forever.BuildBus[Event](forever.New().Logger(logger))
//
// # Identifiers
//
// AtomicPoll issues non-negative identifiers as *big.Int values. There is
// no upper bound and no exhaustion condition:
//
//	p := forever.NewAtomicPoll()
//	a := p.GetAndIncrease() // 0
//	b := p.GetAndIncrease() // 1
//	c := p.GetAndIncrease() // 2
//
//	p.Release(b)
//	p.GetAndIncrease() // 1 (reused)
//	p.GetAndIncrease() // 3 (fresh path resumes)
//
// Fresh identifiers come from a native-width counter advanced with a single
// fetch-and-add. When the counter fills its native range, the caller that
// issued the last identifier of the range opens a new segment by adding
// native_max to a cumulative offset under an exclusive lock. All other
// operations take the lock in shared mode only. The value native_max itself
// is never issued: a counter observed at native_max reads as the first
// identifier of the next segment, so readers racing a rollover always see a
// consistent segment.
//
// Release is advisory. Releasing an identifier that was never issued, or
// one that is already waiting for reuse, is silently ignored.
//
// # Dedup Queue
//
// SegQueue pairs an Unbounded queue with a concurrent set:
//
//	q := forever.NewSegQueue[int]()
//	q.Push(7)
//	q.Push(7)       // no-op, 7 is already queued
//	q.Contains(7)   // true
//	v, _ := q.Peek() // 7, still queued
//	v, _ = q.Pop()   // 7
//	q.Contains(7)   // false
//
// The head is staged in a one-slot cache so repeated Peeks are O(1) and do
// not disturb the underlying queue.
//
// # Broadcast
//
// InstantBus delivers every sent value to every live subscriber:
//
//	bus := forever.NewInstantBus[string]()
//	sub := bus.Subscribe()
//	defer sub.Close()
//
//	go bus.Send("hello")
//
//	msg, ok := sub.Recv() // blocks until a value arrives
//	if !ok {
//	    // end-of-stream: sub closed or bus closed
//	}
//
// Mailboxes are unbounded; there is no flow control. Send never blocks.
// Subscribers that were closed, or whose handles were garbage collected,
// are pruned by the next Send. Subscribers hold only a weak reference to
// the bus registry, so an abandoned bus can be collected; its subscribers
// then report end-of-stream.
//
// # Error Handling
//
// Non-blocking operations return [ErrWouldBlock] when nothing is available.
// This error is sourced from [code.hybscloud.com/iox] for ecosystem
// consistency:
//
//	v, err := sub.TryRecv()
//	switch {
//	case err == nil:
//	    handle(v)
//	case forever.IsWouldBlock(err):
//	    // nothing queued yet
//	case forever.IsClosed(err):
//	    // end-of-stream
//	}
//
// None of the documented conditions (invalid release, delivery to a dead
// subscriber, end-of-stream) panic. Panics are reserved for invalid builder
// configuration and nil contexts.
//
// # Race Detection
//
// Unbounded rings protect non-atomic slot data with per-slot sequence
// numbers using acquire-release semantics. Subscriber state uses the same
// atomix flags. The race detector cannot track this synchronization and
// may report false positives when:
//
//   - producers and consumers share an Unbounded or SegQueue
//   - Subscriber.Close runs while another goroutine is in Recv
//
// Tests incompatible with race detection check [RaceEnabled] and skip.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit
// memory ordering, [code.hybscloud.com/spin] for CPU pause instructions,
// and [github.com/puzpuzpuz/xsync/v3] for concurrent maps.
package forever
