/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// AllocFlags modify a single allocation.
type AllocFlags uint32

const (
	// AllocPhysical asks for memory whose physical address can be queried
	// with PtrToPaddr.
	AllocPhysical AllocFlags = 1 << iota
)

// Allocator hands out pool memory. The implementation is picked once at
// attach time from the pool flags.
type Allocator interface {
	Alloc(size uint64, arena ArenaID, flags AllocFlags) (Ptr, error)
	Free(p Ptr) error
	// Size returns the requested size of a live allocation.
	Size(p Ptr) (uint64, error)
	// Validate checks that [p, p+n) lies inside a live allocation.
	Validate(p Ptr, n uint64) error
	Stats() Stats
	// Close flushes allocator state. Later calls fail with ErrDetached.
	Close() error
}

const (
	allocMagic     uint64 = 0x73686d416c6c6f63
	blockLive      uint32 = 0x4c495645
	blockFree      uint32 = 0x46524545
	blockAlign            = 16
	minClassShift         = 4
	numClasses            = 17
	largeClass     uint16 = 0xffff
	poisonByte            = 0xdb
	spinBeforeGosched     = 64
)

var blockHeaderSize = uint64(unsafe.Sizeof(blockHeader{}))

// allocState lives in the first segment right after the admin structure.
type allocState struct {
	Magic       uint64
	Lock        uint32
	_           uint32
	Cursor      uint64
	Limit       uint64
	Segment     uint64
	LiveObjects uint64
	LiveBytes   uint64
	UsedBytes   uint64
	Allocs      uint64
	Frees       uint64
	Stolen      uint64
	ArenaBytes  [NumArenas]uint64
	FreeLists   [numClasses]uint64
	Large       uint64
	// physical allocations carve PhysSegment downwards from PhysFloor
	PhysSegment uint64
	PhysFloor   uint64
}

type blockHeader struct {
	Magic uint32
	Arena uint16
	Class uint16
	// usable bytes after the header
	Size uint64
	// bytes asked for
	Req  uint64
	Next uint64
}

func stateAt(addr uintptr) *allocState {
	return (*allocState)(unsafe.Pointer(addr))
}

func blockAt(addr uint64) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(addr)))
}

// initAllocState prepares an empty heap covering the rest of the first
// segment. virtBase is where the first segment is mapped in every process.
func initAllocState(st *allocState, virtBase, firstLen uint64) {
	*st = allocState{}
	st.Segment = 1
	st.Cursor = virtBase + uint64(alignTo(int(allocStateOffset+uint64(unsafe.Sizeof(allocState{}))), 64))
	st.Limit = virtBase + firstLen
	internalshm.AtomicStoreUint64(unsafe.Pointer(&st.Magic), allocMagic)
}

// sizeClass returns the class index and block capacity for size.
func sizeClass(size uint64) (uint16, uint64) {
	c := uint64(1) << minClassShift
	for i := 0; i < numClasses; i++ {
		if size <= c {
			return uint16(i), c
		}
		c <<= 1
	}
	return largeClass, uint64(internalshm.AlignUp(uintptr(size), 64))
}

// sharedAllocator keeps all of its state in the pool so every attached
// process allocates from the same heap.
type sharedAllocator struct {
	pool    *Pool
	st      *allocState
	arenas  *ArenaSet
	local   sync.Mutex
	pthread bool
	poison  bool
	closed  atomic.Bool
}

func newSharedAllocator(p *Pool, root Ptr) (*sharedAllocator, error) {
	if _, ok := p.table().lookup(uint64(root), uint64(unsafe.Sizeof(allocState{}))); !ok {
		return nil, fmt.Errorf("allocator root %v outside pool: %w", root, ErrCorruptAllocator)
	}
	st := stateAt(uintptr(root))
	if m := internalshm.AtomicLoadUint64(unsafe.Pointer(&st.Magic)); m != allocMagic {
		return nil, fmt.Errorf("allocator magic %#x: %w", m, ErrCorruptAllocator)
	}
	return &sharedAllocator{
		pool:    p,
		st:      st,
		arenas:  &p.arenas,
		pthread: p.flags&FlagPthreadLocking != 0,
		poison:  p.flags&FlagPoisonFree != 0,
	}, nil
}

// lock takes the cross-process spin lock, and the process mutex first when
// pthread style locking is enabled.
func (a *sharedAllocator) lock() {
	if a.pthread {
		a.local.Lock()
	}
	for i := 0; !internalshm.AtomicCompareAndSwapUint32(unsafe.Pointer(&a.st.Lock), 0, 1); i++ {
		if i >= spinBeforeGosched {
			runtime.Gosched()
		}
	}
}

func (a *sharedAllocator) unlock() {
	internalshm.AtomicStoreUint32(unsafe.Pointer(&a.st.Lock), 0)
	if a.pthread {
		a.local.Unlock()
	}
}

func (a *sharedAllocator) Alloc(size uint64, arena ArenaID, flags AllocFlags) (Ptr, error) {
	if a.closed.Load() {
		return Null, ErrDetached
	}
	if !arena.Valid() {
		return Null, fmt.Errorf("arena %v: %w", arena, ErrInvalidConfig)
	}
	if space := a.pool.res.AddressSpace; size > space {
		return Null, fmt.Errorf("alloc %d bytes in %s address space: %w", size, FormatSize(space), ErrOutOfMemory)
	}
	class, capacity := sizeClass(max(size, 1))
	a.lock()
	defer a.unlock()
	if err := a.syncLocked(); err != nil {
		return Null, err
	}

	st := a.st
	root := a.arenas.Root(arena)
	if limit := a.arenas[root].UsedLimit; limit != 0 {
		if used := a.rootBytesLocked(root); used+capacity+blockHeaderSize > limit {
			return Null, fmt.Errorf("arena %v: %s used, limit %s: %w", arena, FormatSize(used), FormatSize(limit), ErrLimitExceeded)
		}
	}
	physical := flags&AllocPhysical != 0
	addr := a.popLocked(class, capacity, physical)
	if addr == 0 {
		var err error
		if physical {
			addr, err = a.physBumpLocked(capacity)
		} else {
			addr, err = a.bumpLocked(capacity)
		}
		if err != nil {
			return Null, err
		}
		h := blockAt(addr)
		h.Size = capacity
	}
	h := blockAt(addr)
	h.Magic = blockLive
	h.Arena = uint16(arena)
	h.Class = class
	h.Req = size
	h.Next = 0
	payload := addr + blockHeaderSize
	clear(internalshm.Bytes(uintptr(payload), uintptr(h.Size)))

	used := h.Size + blockHeaderSize
	st.LiveObjects++
	st.LiveBytes += size
	st.UsedBytes += used
	st.Allocs++
	st.ArenaBytes[arena] += used
	return Ptr(payload), nil
}

func (a *sharedAllocator) rootBytesLocked(root ArenaID) uint64 {
	var n uint64
	for i := range NumArenas {
		if a.arenas.Root(ArenaID(i)) == root {
			n += a.st.ArenaBytes[i]
		}
	}
	return n
}

// syncLocked maps the segments the shared cursors point into. Another
// process may have grown the pool and allocated from the new segments.
func (a *sharedAllocator) syncLocked() error {
	n := max(a.st.Segment, a.st.PhysSegment)
	if n < uint64(len(a.pool.table().segs)) {
		return nil
	}
	if err := a.pool.Refresh(); err != nil {
		return err
	}
	if attached := len(a.pool.table().segs) - 1; n > uint64(attached) {
		return fmt.Errorf("allocator in segment %d, %d attached: %w", n, attached, ErrChainBroken)
	}
	return nil
}

// popLocked reuses a free block, first fit for large requests.
func (a *sharedAllocator) popLocked(class uint16, capacity uint64, physical bool) uint64 {
	head := &a.st.Large
	if class != largeClass {
		head = &a.st.FreeLists[class]
	}
	for link := head; *link != 0; link = &blockAt(*link).Next {
		h := blockAt(*link)
		if h.Size < capacity || (physical && !a.physicalLocked(*link)) {
			continue
		}
		addr := *link
		*link = h.Next
		return addr
	}
	return 0
}

func (a *sharedAllocator) physicalLocked(addr uint64) bool {
	t := a.pool.table()
	i, ok := t.lookup(addr, blockHeaderSize)
	return ok && t.segs[i].PAddr != 0
}

func segmentStart(seg Segment) uint64 {
	return uint64(internalshm.AlignUp(uintptr(seg.Virt+seg.HeaderLen), blockAlign))
}

// bumpLocked carves a new block, moving on to the next segment when the
// current one is exhausted. The rest of an abandoned segment is counted as
// stolen.
func (a *sharedAllocator) bumpLocked(capacity uint64) (uint64, error) {
	st := a.st
	need := blockHeaderSize + capacity
	for {
		if need <= st.Limit-st.Cursor {
			addr := st.Cursor
			st.Cursor += need
			return addr, nil
		}
		next, seg, err := a.nextSegmentLocked(st.Segment, false)
		if err != nil {
			return 0, fmt.Errorf("alloc %s: %w", FormatSize(capacity), err)
		}
		st.Stolen += st.Limit - st.Cursor
		st.Segment = next
		st.Cursor = segmentStart(seg)
		st.Limit = seg.Virt + seg.Length
		if next == st.PhysSegment {
			st.Limit = st.PhysFloor
		}
	}
}

// physBumpLocked carves a block from a segment with a physical address.
// The current segment serves when it has one. Otherwise blocks come from the
// top of the next physical segment, and the general cursor later stops at
// the lowest of them.
func (a *sharedAllocator) physBumpLocked(capacity uint64) (uint64, error) {
	st := a.st
	need := blockHeaderSize + capacity
	if cur, ok := a.pool.segment(int(st.Segment)); ok && cur.PAddr != 0 && need <= st.Limit-st.Cursor {
		addr := st.Cursor
		st.Cursor += need
		return addr, nil
	}
	for {
		if st.PhysSegment > st.Segment {
			seg, _ := a.pool.segment(int(st.PhysSegment))
			start := segmentStart(seg)
			if need <= st.PhysFloor-start {
				st.PhysFloor -= need
				return st.PhysFloor, nil
			}
			a.retireLocked(start, st.PhysFloor)
			st.PhysFloor = start
		}
		next, seg, err := a.nextSegmentLocked(max(st.Segment, st.PhysSegment), true)
		if err != nil {
			return 0, fmt.Errorf("physical alloc %s: %w", FormatSize(capacity), err)
		}
		st.PhysSegment = next
		st.PhysFloor = uint64(internalshm.AlignDown(uintptr(seg.Virt+seg.Length), blockAlign))
	}
}

// retireLocked hands the unused bottom of a physical segment to the large
// free list, or counts it as stolen when it cannot hold a block.
func (a *sharedAllocator) retireLocked(start, end uint64) {
	if end-start < blockHeaderSize+blockAlign {
		a.st.Stolen += end - start
		return
	}
	h := blockAt(start)
	*h = blockHeader{Magic: blockFree, Class: largeClass, Size: end - start - blockHeaderSize, Next: a.st.Large}
	a.st.Large = start
}

// nextSegmentLocked returns the first segment after from that a cursor may
// move into. Physical segments the physical cursor has passed are used up.
// The table is refreshed once when the local chain ends.
func (a *sharedAllocator) nextSegmentLocked(from uint64, physical bool) (uint64, Segment, error) {
	i := from + 1
	for refreshed := false; ; {
		seg, ok := a.pool.segment(int(i))
		if !ok {
			if refreshed {
				return 0, Segment{}, ErrOutOfMemory
			}
			if err := a.pool.Refresh(); err != nil {
				return 0, Segment{}, err
			}
			refreshed = true
			continue
		}
		if (physical && seg.PAddr == 0) || (!physical && seg.PAddr != 0 && i < a.st.PhysSegment) {
			i++
			continue
		}
		return i, seg, nil
	}
}

// block validates the header in front of p.
func (a *sharedAllocator) block(p Ptr) (*blockHeader, error) {
	if uint64(p)%blockAlign != 0 || uint64(p) < blockHeaderSize {
		return nil, fmt.Errorf("%v: misaligned: %w", p, ErrInvalidPointer)
	}
	if _, _, ok := a.pool.find(uint64(p)-blockHeaderSize, blockHeaderSize); !ok {
		return nil, fmt.Errorf("%v: outside pool: %w", p, ErrInvalidPointer)
	}
	h := blockAt(uint64(p) - blockHeaderSize)
	switch h.Magic {
	case blockLive:
	case blockFree:
		return h, fmt.Errorf("%v: %w", p, ErrDoubleFree)
	default:
		return nil, fmt.Errorf("%v: not an allocation: %w", p, ErrInvalidPointer)
	}
	if int(h.Arena) >= NumArenas || (h.Class >= numClasses && h.Class != largeClass) {
		return nil, fmt.Errorf("%v: block header arena %d class %d: %w", p, h.Arena, h.Class, ErrCorruptAllocator)
	}
	return h, nil
}

func (a *sharedAllocator) Free(p Ptr) error {
	if p.IsNull() {
		return nil
	}
	if a.closed.Load() {
		return ErrDetached
	}
	a.lock()
	defer a.unlock()
	h, err := a.block(p)
	if err != nil {
		return err
	}
	st := a.st
	used := h.Size + blockHeaderSize
	st.LiveObjects--
	st.LiveBytes -= h.Req
	st.UsedBytes -= used
	st.Frees++
	st.ArenaBytes[h.Arena] -= used

	h.Magic = blockFree
	if a.poison {
		b := internalshm.Bytes(uintptr(p), uintptr(h.Size))
		for i := range b {
			b[i] = poisonByte
		}
	}
	head := &st.Large
	if h.Class != largeClass {
		head = &st.FreeLists[h.Class]
	}
	h.Next = *head
	*head = uint64(p) - blockHeaderSize
	return nil
}

func (a *sharedAllocator) Size(p Ptr) (uint64, error) {
	a.lock()
	defer a.unlock()
	h, err := a.block(p)
	if err != nil {
		return 0, err
	}
	return h.Req, nil
}

func (a *sharedAllocator) Validate(p Ptr, n uint64) error {
	if _, _, ok := a.pool.find(uint64(p), n); !ok {
		return fmt.Errorf("%v+%#x: not in an attached segment: %w", p, n, ErrInvalidPointer)
	}
	return nil
}

func (a *sharedAllocator) Stats() Stats {
	a.lock()
	defer a.unlock()
	st := a.st
	return Stats{
		LiveObjects: st.LiveObjects,
		LiveBytes:   st.LiveBytes,
		UsedBytes:   st.UsedBytes,
		TotalAllocs: st.Allocs,
		TotalFrees:  st.Frees,
		ArenaBytes:  st.ArenaBytes,
		StolenBytes: st.Stolen,
	}
}

func (a *sharedAllocator) Close() error {
	a.closed.Store(true)
	return nil
}
