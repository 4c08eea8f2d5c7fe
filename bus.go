// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package forever

import (
	"context"
	"log/slog"
	"math/big"
	"runtime"
	"sync"
	"weak"

	"code.hybscloud.com/atomix"
	"github.com/puzpuzpuz/xsync/v3"
)

// InstantBus is a broadcast publish/subscribe bus.
//
// Every Send is delivered to each subscriber registered when the Send
// starts. Each subscriber owns an unbounded mailbox, so Send never blocks
// and a slow subscriber never holds back the others. Subscribers are
// identified by an [AtomicPoll], so the bus never runs out of identifiers.
//
// Dead subscribers are pruned lazily: Send removes any subscriber that has
// been closed or whose handle has been garbage collected.
//
// Delivery order is FIFO per subscriber. There is no ordering guarantee
// across subscribers.
type InstantBus[T any] struct {
	reg    *registry[T]
	nextID *AtomicPoll
	closed atomix.Bool
}

// registry is the subscriber map. Subscribers point at it weakly.
type registry[T any] struct {
	entries *xsync.MapOf[string, *entry[T]]
	segment int
	logger  *slog.Logger
}

// entry is the bus side of a subscription.
type entry[T any] struct {
	id     *big.Int
	mb     *mailbox[T]
	closed *atomix.Bool // Shared with the Subscriber
}

// NewInstantBus creates a bus with no subscribers.
func NewInstantBus[T any]() *InstantBus[T] {
	return BuildBus[T](New())
}

func newInstantBus[T any](opts Options) *InstantBus[T] {
	reg := &registry[T]{
		entries: xsync.NewMapOf[string, *entry[T]](),
		segment: opts.segment,
		logger:  opts.logger,
	}
	b := &InstantBus[T]{
		reg:    reg,
		nextID: newAtomicPoll(Options{width: DefaultWidth, segment: opts.segment}),
	}
	// An abandoned bus ends every subscription it still holds
	runtime.AddCleanup(b, func(r *registry[T]) { r.hangupAll("bus dropped") }, reg)
	return b
}

// Subscribe registers a new subscriber.
//
// The subscriber receives every value sent after Subscribe returns, until
// it is closed or the bus is closed. Subscribing to a closed bus returns a
// subscriber that reports end-of-stream.
func (b *InstantBus[T]) Subscribe() *Subscriber[T] {
	mb := newMailbox[T](b.reg.segment)
	id := b.nextID.GetAndIncrease()
	closed := new(atomix.Bool)
	key := idKey(id)

	b.reg.entries.Store(key, &entry[T]{id: id, mb: mb, closed: closed})

	s := &Subscriber[T]{
		id:     id,
		key:    key,
		closed: closed,
		mb:     mb,
		parent: weak.Make(b.reg),
	}
	// Dropping the handle drops the receiving end
	runtime.AddCleanup(s, func(mb *mailbox[T]) { mb.drop() }, mb)

	if b.closed.LoadAcquire() {
		b.reg.remove(key, "bus closed")
	}
	return s
}

// Send delivers value to every live subscriber.
//
// The value is boxed once and every subscriber receives a copy of the boxed
// value. Subscribers found closed or dropped are removed from the bus;
// delivery failures are never reported to the sender.
func (b *InstantBus[T]) Send(value T) {
	if b.closed.LoadAcquire() {
		return
	}
	box := &value
	b.reg.entries.Range(func(key string, e *entry[T]) bool {
		if e.closed.LoadAcquire() {
			b.reg.remove(key, "closed")
			return true
		}
		if !e.mb.push(box) {
			b.reg.remove(key, "dropped")
		}
		return true
	})
}

// Len returns the number of registered subscribers.
// The count is approximate while other goroutines subscribe or send.
func (b *InstantBus[T]) Len() int {
	return b.reg.entries.Size()
}

// Close ends every subscription. Subscribers receive the values already
// queued for them and then end-of-stream. Later Sends are dropped.
// Close is idempotent.
func (b *InstantBus[T]) Close() {
	if b.closed.Load() {
		return
	}
	b.closed.StoreRelease(true)
	b.reg.hangupAll("bus closed")
}

// remove unregisters key and hangs up its mailbox.
func (r *registry[T]) remove(key string, reason string) {
	e, ok := r.entries.LoadAndDelete(key)
	if !ok {
		return
	}
	e.mb.hangup()
	if r.logger != nil {
		r.logger.Debug("forever: subscriber evicted",
			slog.String("subscriber", e.id.String()),
			slog.String("reason", reason))
	}
}

func (r *registry[T]) hangupAll(reason string) {
	n := 0
	r.entries.Range(func(key string, e *entry[T]) bool {
		if _, ok := r.entries.LoadAndDelete(key); ok {
			e.mb.hangup()
			n++
		}
		return true
	})
	if r.logger != nil {
		r.logger.Debug("forever: bus hung up",
			slog.Int("subscribers", n),
			slog.String("reason", reason))
	}
}

// Subscriber is the receiving end of an [InstantBus] subscription.
//
// A Subscriber starts open and becomes closed, permanently, when Close is
// called or when a receive observes that the bus has hung up. Dropping a
// Subscriber without closing it is allowed; the bus notices on a later
// Send and removes it.
//
// Recv, RecvContext and TryRecv may be called from several goroutines;
// each value is received once.
type Subscriber[T any] struct {
	id     *big.Int
	key    string
	closed *atomix.Bool
	mb     *mailbox[T]
	parent weak.Pointer[registry[T]]
}

// Recv blocks until a value arrives and returns it.
// Returns false at end-of-stream: the subscriber is closed, or the bus has
// hung up and every value queued before the hang-up has been received.
func (s *Subscriber[T]) Recv() (T, bool) {
	v, err := s.RecvContext(context.Background())
	return v, err == nil
}

// RecvContext is Recv with cancellation.
// Returns ErrClosed at end-of-stream, or ctx.Err() if ctx is done first.
//
// Providing a nil ctx will cause a panic.
func (s *Subscriber[T]) RecvContext(ctx context.Context) (T, error) {
	if ctx == nil {
		panic("forever: nil context")
	}
	var zero T
	for {
		if s.closed.LoadAcquire() {
			return zero, ErrClosed
		}
		if v, err := s.mb.q.Dequeue(); err == nil {
			// Another receiver may be parked with values still queued
			s.mb.notify()
			return *v, nil
		}

		select {
		case <-s.mb.signal:
		case <-s.mb.done:
			// Every accepted value is published once done is closed
			if v, err := s.mb.q.Dequeue(); err == nil {
				s.mb.notify()
				return *v, nil
			}
			s.closed.StoreRelease(true)
			return zero, ErrClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryRecv receives a value without blocking.
// Returns ErrWouldBlock if nothing is queued, ErrClosed at end-of-stream.
func (s *Subscriber[T]) TryRecv() (T, error) {
	var zero T
	if s.closed.LoadAcquire() {
		return zero, ErrClosed
	}
	if v, err := s.mb.q.Dequeue(); err == nil {
		return *v, nil
	}
	select {
	case <-s.mb.done:
		if v, err := s.mb.q.Dequeue(); err == nil {
			return *v, nil
		}
		s.closed.StoreRelease(true)
		return zero, ErrClosed
	default:
		return zero, ErrWouldBlock
	}
}

// Close ends the subscription. Values still queued are discarded and
// every receive returns end-of-stream. Close is idempotent.
func (s *Subscriber[T]) Close() {
	s.closed.StoreRelease(true)
	if r := s.parent.Value(); r != nil {
		r.remove(s.key, "closed")
	}
	s.mb.hangup()
}

// IsClosed reports whether the subscriber is closed.
func (s *Subscriber[T]) IsClosed() bool {
	return s.closed.LoadAcquire()
}

// ID returns the subscriber identifier, unique within its bus.
func (s *Subscriber[T]) ID() *big.Int {
	return new(big.Int).Set(s.id)
}

// mailbox is the unbounded point-to-point channel of one subscriber.
//
// Values are boxed pointers shared by all mailboxes of one Send. signal
// wakes a parked receiver; done is closed when the sending side goes away.
//
// Pushes hold mu shared and hangup holds it exclusively, so once done is
// closed every accepted value is already published in q.
type mailbox[T any] struct {
	q       *Unbounded[*T]
	signal  chan struct{}
	done    chan struct{}
	mu      sync.RWMutex
	once    sync.Once
	dropped atomix.Bool // Receiving end garbage collected
}

func newMailbox[T any](segment int) *mailbox[T] {
	return &mailbox[T]{
		q:      newUnbounded[*T](segment),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push queues v. Returns false if the receiving end is gone.
func (m *mailbox[T]) push(v *T) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dropped.LoadAcquire() {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
	}
	m.q.Enqueue(&v)
	m.notify()
	return true
}

func (m *mailbox[T]) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) hangup() {
	m.once.Do(func() {
		m.mu.Lock()
		close(m.done)
		m.mu.Unlock()
	})
}

// drop runs on the cleanup goroutine. It takes mu like hangup so a Send
// observes the flag in lock order.
func (m *mailbox[T]) drop() {
	m.mu.Lock()
	m.dropped.StoreRelease(true)
	m.mu.Unlock()
}
