// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package forever

import (
	"log/slog"
	"unsafe"
)

const (
	// MinWidth is the narrowest native counter an AtomicPoll accepts.
	MinWidth = 2

	// MaxWidth is the widest native counter an AtomicPoll accepts.
	// The counter is stored in a uint64; the top bit stays free so that
	// increments racing a rollover can overshoot native_max without wrapping.
	MaxWidth = 63

	// DefaultWidth is the native counter width used by NewAtomicPoll.
	DefaultWidth = MaxWidth

	// DefaultSegmentSize is the ring size of an Unbounded queue segment.
	DefaultSegmentSize = 64
)

// Options configures primitive creation.
type Options struct {
	// Native counter width in bits (AtomicPoll)
	width int

	// Ring size per segment (Unbounded, SegQueue, InstantBus mailboxes)
	segment int

	// Rare-event logging; nil disables
	logger *slog.Logger
}

// Builder creates primitives with fluent configuration.
//
// Example:
//
//	// Allocator whose native counter rolls over every 255 identifiers
//	p := forever.New().Width(8).BuildPoll()
//
//	// Dedup queue with small ring segments
//	q := forever.BuildQueue[string](forever.New().SegmentSize(16))
//
//	// Bus that logs subscriber evictions
//	bus := forever.BuildBus[Event](forever.New().Logger(slog.Default()))
type Builder struct {
	opts Options
}

// New creates a builder with default options.
func New() *Builder {
	return &Builder{opts: Options{width: DefaultWidth, segment: DefaultSegmentSize}}
}

// Width sets the native counter width in bits.
//
// An AtomicPoll of width w hands out 2^w - 1 identifiers per segment before
// its counter rolls over. Narrow widths are useful to exercise rollover.
//
// Panics if bits is outside [MinWidth, MaxWidth].
func (b *Builder) Width(bits int) *Builder {
	if bits < MinWidth || bits > MaxWidth {
		panic("forever: width must be in [2, 63]")
	}
	b.opts.width = bits
	return b
}

// SegmentSize sets the ring size of each unbounded queue segment.
// Size rounds up to the next power of 2.
//
// Panics if n < 2.
func (b *Builder) SegmentSize(n int) *Builder {
	if n < 2 {
		panic("forever: segment size must be >= 2")
	}
	b.opts.segment = roundToPow2(n)
	return b
}

// Logger sets the logger for rare events (rollover, eviction, bus close).
// Fast paths never log. A nil logger disables logging.
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.opts.logger = l
	return b
}

// BuildPoll creates an AtomicPoll.
func (b *Builder) BuildPoll() *AtomicPoll {
	return newAtomicPoll(b.opts)
}

// BuildUnbounded creates an Unbounded queue.
func BuildUnbounded[T any](b *Builder) *Unbounded[T] {
	return newUnbounded[T](b.opts.segment)
}

// BuildQueue creates a SegQueue.
func BuildQueue[T comparable](b *Builder) *SegQueue[T] {
	return newSegQueue[T](b.opts.segment)
}

// BuildBus creates an InstantBus.
func BuildBus[T any](b *Builder) *InstantBus[T] {
	return newInstantBus[T](b.opts)
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// ptrSize is the size of a pointer in bytes.
const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padShort is padding to fill cache line after 8-byte field.
type padShort [64 - 8]byte

// padPtr is padding to fill cache line after pointer-sized field.
type padPtr [64 - ptrSize]byte
