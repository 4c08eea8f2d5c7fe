// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package forever

import (
	"log/slog"
	"math/big"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// one is the big.Int constant 1. Read-only.
var one = big.NewInt(1)

// AtomicPoll is an unbounded identifier allocator with recycling.
//
// Identifiers are non-negative integers of arbitrary size. Fresh ones come
// from a native-width counter advanced with a single fetch-and-add; each
// time the counter fills its native range the allocator moves to a new
// segment by adding native_max to a cumulative offset:
//
//	id = local + offset
//	offset = segment * native_max
//
// The top native value is never handed out. A counter observed at
// native_max reads as the first identifier of the next segment, so readers
// racing a rollover see either segment consistently.
//
// Released identifiers are kept in a [SegQueue] and reissued in release
// order before any fresh identifier.
//
// The fast path holds the segment lock in shared mode only; the lock is
// taken exclusively once per segment, by the caller that issued the last
// identifier of the segment. The shared hold pairs each fetch-and-add with
// the offset of the same segment, so fresh identifiers stay contiguous
// with no gaps or duplicates. It costs one RLock/RUnlock pair per fresh
// identifier, and every caller writes the lock's reader count, so under
// heavy parallel allocation that cache line is contended alongside local.
type AtomicPoll struct {
	_     pad
	local atomix.Uint64 // Counter within the current segment
	_     pad

	mu     sync.RWMutex // Exclusive only during rollover
	index  *big.Int     // Completed segments
	offset *big.Int     // index * native_max, maintained incrementally

	max      uint64   // native_max = 2^width - 1, reserved
	maxBig   *big.Int // max as big.Int, read-only
	width    int
	recycled *SegQueue[string]
	logger   *slog.Logger
}

// NewAtomicPoll creates an allocator with DefaultWidth.
// The first identifier issued is 0.
func NewAtomicPoll() *AtomicPoll {
	return New().BuildPoll()
}

func newAtomicPoll(opts Options) *AtomicPoll {
	nativeMax := uint64(1)<<uint(opts.width) - 1
	return &AtomicPoll{
		index:    new(big.Int),
		offset:   new(big.Int),
		max:      nativeMax,
		maxBig:   new(big.Int).SetUint64(nativeMax),
		width:    opts.width,
		recycled: newSegQueue[string](opts.segment),
		logger:   opts.logger,
	}
}

// Get returns the identifier the next GetAndIncrease would issue.
// Get does not change any state.
func (p *AtomicPoll) Get() *big.Int {
	if key, ok := p.recycled.Peek(); ok {
		return idFromKey(key)
	}
	return p.watermark()
}

// GetAndIncrease issues an identifier.
//
// A released identifier is reissued if one is waiting; the counter does
// not advance in that case. Otherwise a fresh identifier is issued, greater
// than every fresh identifier issued before it.
func (p *AtomicPoll) GetAndIncrease() *big.Int {
	if key, ok := p.recycled.Pop(); ok {
		return idFromKey(key)
	}
	return p.increase()
}

// Release hands id back for reuse.
//
// Release ignores nil or negative identifiers, identifiers at or above the
// watermark (never issued), and identifiers already waiting for reuse.
func (p *AtomicPoll) Release(id *big.Int) {
	if id == nil || id.Sign() < 0 {
		return
	}
	if id.Cmp(p.watermark()) >= 0 {
		return
	}

	key := idKey(id)
	if p.recycled.Contains(key) {
		return
	}
	p.recycled.Push(key)
}

// Segment returns the number of completed rollovers.
func (p *AtomicPoll) Segment() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.index)
}

// Width returns the native counter width in bits.
func (p *AtomicPoll) Width() int {
	return p.width
}

// Recycled returns the number of identifiers waiting for reuse.
func (p *AtomicPoll) Recycled() int {
	return p.recycled.Len()
}

// watermark returns the next fresh identifier.
func (p *AtomicPoll) watermark() *big.Int {
	p.mu.RLock()
	local := p.local.LoadRelaxed()
	if local > p.max {
		local = p.max // Overshoot while a rollover is pending
	}
	id := new(big.Int).SetUint64(local)
	id.Add(id, p.offset)
	p.mu.RUnlock()
	return id
}

// increase issues a fresh identifier.
func (p *AtomicPoll) increase() *big.Int {
	sw := spin.Wait{}
	for {
		p.mu.RLock()
		old := p.local.AddAcqRel(1) - 1
		if old < p.max {
			id := new(big.Int).SetUint64(old)
			id.Add(id, p.offset)
			p.mu.RUnlock()
			if old == p.max-1 {
				p.rollover()
			}
			return id
		}
		p.mu.RUnlock()

		// Counter reached native_max; wait for the rollover
		sw.Once()
	}
}

// rollover opens the next segment. Called exactly once per segment, by the
// caller that issued identifier native_max-1 of it.
func (p *AtomicPoll) rollover() {
	p.mu.Lock()
	p.local.StoreRelease(0)
	p.index.Add(p.index, one)
	p.offset.Add(p.offset, p.maxBig)
	var segment string
	if p.logger != nil {
		segment = p.index.String()
	}
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Debug("forever: segment rollover",
			slog.String("segment", segment),
			slog.Int("width", p.width))
	}
}

// idKey encodes a non-negative identifier as a comparable map key.
func idKey(id *big.Int) string {
	return string(id.Bytes())
}

// idFromKey decodes a key produced by idKey.
func idFromKey(key string) *big.Int {
	return new(big.Int).SetBytes([]byte(key))
}
