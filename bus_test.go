// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package forever_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/forever"
)

// =============================================================================
// InstantBus - Fan-out
// =============================================================================

// TestInstantBusFanOut tests that one Send reaches every live subscriber.
func TestInstantBusFanOut(t *testing.T) {
	bus := forever.NewInstantBus[string]()

	const n = 16
	subs := make([]*forever.Subscriber[string], n)
	for i := range subs {
		subs[i] = bus.Subscribe()
	}
	if bus.Len() != n {
		t.Fatalf("Len: got %d, want %d", bus.Len(), n)
	}

	bus.Send("hello")
	bus.Send("world")

	for i, s := range subs {
		for _, want := range []string{"hello", "world"} {
			v, ok := s.Recv()
			if !ok || v != want {
				t.Fatalf("sub %d Recv: got (%q, %v), want (%q, true)", i, v, ok, want)
			}
		}
	}
}

// TestInstantBusSubscribeAfterSend tests that a subscriber only sees values
// sent after it subscribed.
func TestInstantBusSubscribeAfterSend(t *testing.T) {
	bus := forever.NewInstantBus[int]()
	early := bus.Subscribe()

	bus.Send(1)
	late := bus.Subscribe()
	bus.Send(2)

	if v, _ := early.Recv(); v != 1 {
		t.Fatalf("early first: got %d, want 1", v)
	}
	if v, _ := early.Recv(); v != 2 {
		t.Fatalf("early second: got %d, want 2", v)
	}
	if v, _ := late.Recv(); v != 2 {
		t.Fatalf("late first: got %d, want 2", v)
	}
	if _, err := late.TryRecv(); !errors.Is(err, forever.ErrWouldBlock) {
		t.Fatalf("late TryRecv: got %v, want ErrWouldBlock", err)
	}
	runtime.KeepAlive(bus)
}

// TestInstantBusCopies tests that each subscriber receives its own copy.
func TestInstantBusCopies(t *testing.T) {
	type payload struct {
		N    int
		Name string
	}
	bus := forever.NewInstantBus[payload]()
	a, b := bus.Subscribe(), bus.Subscribe()

	bus.Send(payload{N: 1, Name: "x"})

	va, _ := a.Recv()
	va.N = 99
	vb, _ := b.Recv()
	if vb.N != 1 || vb.Name != "x" {
		t.Fatalf("b Recv: got %+v, want {N:1 Name:x}", vb)
	}
}

// TestInstantBusUniqueIDs tests that subscribers get distinct identifiers.
func TestInstantBusUniqueIDs(t *testing.T) {
	bus := forever.NewInstantBus[int]()

	seen := make(map[string]bool)
	for range 100 {
		s := bus.Subscribe()
		key := s.ID().String()
		if seen[key] {
			t.Fatalf("duplicate subscriber id %s", key)
		}
		seen[key] = true
		s.Close()
	}
}

// =============================================================================
// InstantBus - Subscriber Lifecycle
// =============================================================================

// TestSubscriberClose tests that a closed subscriber never receives and is
// removed from the bus.
func TestSubscriberClose(t *testing.T) {
	bus := forever.NewInstantBus[int]()
	open, closed := bus.Subscribe(), bus.Subscribe()

	if closed.IsClosed() {
		t.Fatal("IsClosed before Close: got true, want false")
	}
	closed.Close()
	closed.Close() // Idempotent
	if !closed.IsClosed() {
		t.Fatal("IsClosed after Close: got false, want true")
	}
	if bus.Len() != 1 {
		t.Fatalf("Len after Close: got %d, want 1", bus.Len())
	}

	bus.Send(7)

	if v, ok := open.Recv(); !ok || v != 7 {
		t.Fatalf("open Recv: got (%d, %v), want (7, true)", v, ok)
	}
	if _, ok := closed.Recv(); ok {
		t.Fatal("closed Recv: got ok, want end-of-stream")
	}
	if _, err := closed.TryRecv(); !errors.Is(err, forever.ErrClosed) {
		t.Fatalf("closed TryRecv: got %v, want ErrClosed", err)
	}
}

// TestSubscriberCloseDiscardsQueued tests that Close drops undelivered values.
func TestSubscriberCloseDiscardsQueued(t *testing.T) {
	bus := forever.NewInstantBus[int]()
	s := bus.Subscribe()

	bus.Send(1)
	bus.Send(2)
	s.Close()

	if _, ok := s.Recv(); ok {
		t.Fatal("Recv after Close: got ok, want end-of-stream")
	}
}

// TestSubscriberCloseUnblocksRecv tests that Close from another goroutine
// ends a blocked Recv.
func TestSubscriberCloseUnblocksRecv(t *testing.T) {
	if forever.RaceEnabled {
		t.Skip("skip: Close from another goroutine races the closed flag read by Recv")
	}

	bus := forever.NewInstantBus[int]()
	s := bus.Subscribe()

	result := make(chan bool, 1)
	go func() {
		_, ok := s.Recv()
		result <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case ok := <-result:
		if ok {
			t.Fatal("Recv: got ok, want end-of-stream")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv still blocked after Close")
	}
}

// TestSubscriberDropped tests that a subscriber whose handle is garbage
// collected is pruned by a later Send.
func TestSubscriberDropped(t *testing.T) {
	bus := forever.NewInstantBus[int]()
	keep := bus.Subscribe()

	func() {
		_ = bus.Subscribe()
	}()
	if bus.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", bus.Len())
	}

	// Cleanups run asynchronously after a GC cycle
	deadline := time.Now().Add(5 * time.Second)
	for bus.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("dropped subscriber still registered: Len %d", bus.Len())
		}
		runtime.GC()
		time.Sleep(time.Millisecond)
		bus.Send(0)
	}

	// The live subscriber kept receiving
	if _, err := keep.TryRecv(); err != nil {
		t.Fatalf("keep TryRecv: %v", err)
	}
	runtime.KeepAlive(keep)
}

// TestSubscriberRecvContext tests cancellation of a blocked receive.
func TestSubscriberRecvContext(t *testing.T) {
	bus := forever.NewInstantBus[int]()
	s := bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.RecvContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RecvContext: got %v, want DeadlineExceeded", err)
	}
	if s.IsClosed() {
		t.Fatal("IsClosed after cancellation: got true, want false")
	}

	bus.Send(5)
	v, err := s.RecvContext(context.Background())
	if err != nil || v != 5 {
		t.Fatalf("RecvContext: got (%d, %v), want (5, nil)", v, err)
	}
	runtime.KeepAlive(bus)
}

// TestSubscriberRecvContextNil tests that a nil context panics.
func TestSubscriberRecvContextNil(t *testing.T) {
	s := forever.NewInstantBus[int]().Subscribe()
	defer func() {
		if recover() == nil {
			t.Fatal("RecvContext(nil): expected panic")
		}
	}()
	var ctx context.Context
	s.RecvContext(ctx)
}

// =============================================================================
// InstantBus - Close
// =============================================================================

// TestInstantBusClose tests that closing the bus delivers queued values and
// then ends every subscription.
func TestInstantBusClose(t *testing.T) {
	bus := forever.NewInstantBus[int]()
	s := bus.Subscribe()

	bus.Send(1)
	bus.Send(2)
	bus.Close()
	bus.Close() // Idempotent
	bus.Send(3) // Dropped

	for _, want := range []int{1, 2} {
		if v, ok := s.Recv(); !ok || v != want {
			t.Fatalf("Recv: got (%d, %v), want (%d, true)", v, ok, want)
		}
	}
	if _, ok := s.Recv(); ok {
		t.Fatal("Recv after drain: got ok, want end-of-stream")
	}
	if !s.IsClosed() {
		t.Fatal("IsClosed after end-of-stream: got false, want true")
	}
	if bus.Len() != 0 {
		t.Fatalf("Len: got %d, want 0", bus.Len())
	}

	late := bus.Subscribe()
	if _, err := late.TryRecv(); !errors.Is(err, forever.ErrClosed) {
		t.Fatalf("late TryRecv: got %v, want ErrClosed", err)
	}
	late.Close() // Registry still reachable; must not panic
}

// TestInstantBusCloseUnblocksRecv tests that closing the bus ends a blocked Recv.
func TestInstantBusCloseUnblocksRecv(t *testing.T) {
	bus := forever.NewInstantBus[int]()
	s := bus.Subscribe()

	result := make(chan error, 1)
	go func() {
		_, err := s.RecvContext(context.Background())
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Close()

	select {
	case err := <-result:
		if !forever.IsClosed(err) {
			t.Fatalf("RecvContext: got %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv still blocked after bus Close")
	}
}

// TestInstantBusLogged tests that evictions are logged when a logger is set.
func TestInstantBusLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	bus := forever.BuildBus[int](forever.New().Logger(logger))
	s := bus.Subscribe()
	bus.Subscribe()
	s.Close()
	bus.Close()

	out := buf.String()
	if !strings.Contains(out, "subscriber evicted") || !strings.Contains(out, "reason=closed") {
		t.Fatalf("missing eviction log:\n%s", out)
	}
	if !strings.Contains(out, "bus hung up") || !strings.Contains(out, "subscribers=1") {
		t.Fatalf("missing hang-up log:\n%s", out)
	}
}

// =============================================================================
// InstantBus - Concurrency
// =============================================================================

// TestInstantBusConcurrentReceivers tests fan-out to subscribers parked in
// Recv on their own goroutines.
func TestInstantBusConcurrentReceivers(t *testing.T) {
	if forever.RaceEnabled {
		t.Skip("skip: mailboxes run through Unbounded rings")
	}

	bus := forever.NewInstantBus[int]()
	const receivers, values = 32, 100

	var wg sync.WaitGroup
	var errs atomix.Int32
	for range receivers {
		s := bus.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for want := range values {
				v, ok := s.Recv()
				if !ok || v != want {
					errs.Add(1)
					return
				}
			}
		}()
	}

	for v := range values {
		bus.Send(v)
	}
	wg.Wait()

	if errs.Load() != 0 {
		t.Fatalf("%d receivers saw out-of-order or missing values", errs.Load())
	}
}

// TestInstantBusConcurrentSendClose tests that subscribers closing while
// senders run never receive a value twice and are all pruned.
func TestInstantBusConcurrentSendClose(t *testing.T) {
	if forever.RaceEnabled {
		t.Skip("skip: mailboxes run through Unbounded rings")
	}

	bus := forever.NewInstantBus[int]()
	const subscribers, senders, perSender = 64, 4, 200

	subs := make([]*forever.Subscriber[int], subscribers)
	for i := range subs {
		subs[i] = bus.Subscribe()
	}

	var wg sync.WaitGroup
	for s := range senders {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := range perSender {
				bus.Send(s*perSender + i)
			}
		}(s)
	}
	for i := 0; i < subscribers; i += 2 {
		subs[i].Close()
	}
	wg.Wait()
	bus.Send(-1)

	if bus.Len() != subscribers/2 {
		t.Fatalf("Len: got %d, want %d", bus.Len(), subscribers/2)
	}

	for i := 1; i < subscribers; i += 2 {
		seen := make(map[int]bool)
		for {
			v, err := subs[i].TryRecv()
			if err != nil {
				break
			}
			if seen[v] {
				t.Fatalf("sub %d received %d twice", i, v)
			}
			seen[v] = true
		}
		if len(seen) != senders*perSender+1 {
			t.Fatalf("sub %d: got %d values, want %d", i, len(seen), senders*perSender+1)
		}
	}
}

// TestInstantBusConcurrentSubscribe tests racing Subscribe calls.
func TestInstantBusConcurrentSubscribe(t *testing.T) {
	bus := forever.NewInstantBus[int]()
	const goroutines, each = 8, 50

	ids := make(chan string, goroutines*each)
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				s := bus.Subscribe()
				ids <- s.ID().String()
				s.Close()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate subscriber id %s", id)
		}
		seen[id] = true
	}
	if bus.Len() != 0 {
		t.Fatalf("Len: got %d, want 0", bus.Len())
	}
}

// TestInstantBusDropped tests that subscribers of a garbage collected bus
// report end-of-stream and can still be closed.
func TestInstantBusDropped(t *testing.T) {
	s := func() *forever.Subscriber[int] {
		return forever.NewInstantBus[int]().Subscribe()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := s.TryRecv()
		if forever.IsClosed(err) {
			break
		}
		if !forever.IsWouldBlock(err) {
			t.Fatalf("TryRecv: got %v, want ErrWouldBlock or ErrClosed", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber still open after its bus was dropped")
		}
		runtime.GC()
		time.Sleep(time.Millisecond)
	}

	runtime.GC()
	s.Close()
	if !s.IsClosed() {
		t.Fatal("IsClosed: got false, want true")
	}
}
