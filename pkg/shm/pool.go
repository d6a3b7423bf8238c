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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Pool is a process's attachment to a shared memory pool. It is created by
// Attach and stays valid until Detach.
type Pool struct {
	cfg    *Config
	flags  ConfigFlags
	res    *Reservation
	root   Header
	arenas ArenaSet

	segs atomic.Pointer[segTable]
	// mu serializes changes to the mapping set
	mu   sync.Mutex
	maps []*Mapping

	admin *Admin
	alloc Allocator
	slot  int
	pid   int

	refs     cmap.ConcurrentMap[Ptr, *refCount]
	tel      *telemetry
	detached atomic.Bool
}

func newPool(cfg *Config, res *Reservation, tel *telemetry) *Pool {
	p := &Pool{
		cfg:  cfg,
		res:  res,
		slot: -1,
		pid:  currentPID(),
		refs: cmap.NewWithCustomShardingFunction[Ptr, *refCount](shardPtr),
		tel:  tel,
	}
	p.segs.Store(newSegTable())
	return p
}

func shardPtr(p Ptr) uint32 {
	return uint32(p>>4) ^ uint32(p>>24)
}

// Current returns the pool attached in this process, or nil.
func Current() *Pool {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.pool
}

func (p *Pool) table() *segTable { return p.segs.Load() }

// Flags returns the effective configuration flags: the pool's recorded
// flags combined with the attaching process's own.
func (p *Pool) Flags() ConfigFlags { return p.flags }

// Arenas returns the arena configuration recorded in the pool.
func (p *Pool) Arenas() ArenaSet { return p.arenas }

// Reservation returns the address range the pool lives in.
func (p *Pool) Reservation() *Reservation { return p.res }

// Root returns the header of the first segment.
func (p *Pool) Root() Header { return p.root }

// Allocator returns the allocator resolved at attach time.
func (p *Pool) Allocator() Allocator { return p.alloc }

// Segments returns a copy of the attached segment table without the null
// entry.
func (p *Pool) Segments() []Segment {
	t := p.table()
	return append([]Segment(nil), t.segs[1:]...)
}

// find returns the segment holding [addr, addr+n). A miss refreshes the
// table once, since another process may have appended the segment.
func (p *Pool) find(addr, n uint64) (*segTable, int, bool) {
	t := p.table()
	if i, ok := t.lookup(addr, n); ok {
		return t, i, true
	}
	if addr == 0 || p.Refresh() != nil {
		return t, 0, false
	}
	t = p.table()
	i, ok := t.lookup(addr, n)
	return t, i, ok
}

func (p *Pool) segment(i int) (Segment, bool) {
	t := p.table()
	if i <= 0 || i >= len(t.segs) {
		return Segment{}, false
	}
	return t.segs[i], true
}

func (p *Pool) debug() bool { return p.flags&FlagDebugChecks != 0 }

// Check reports whether the pool is attached and its admin structure intact.
func (p *Pool) Check() error {
	if p.detached.Load() {
		return ErrDetached
	}
	if err := p.admin.validate(); err != nil {
		return err
	}
	if len(p.table().segs) < 2 {
		return fmt.Errorf("no segments attached: %w", ErrChainBroken)
	}
	return nil
}

// Alloc allocates size bytes from arena.
func (p *Pool) Alloc(size uint64, arena ArenaID, flags AllocFlags) (Ptr, error) {
	if p.detached.Load() {
		return Null, ErrDetached
	}
	ptr, err := p.alloc.Alloc(size, arena, flags)
	if err != nil {
		p.tel.allocFailed(context.Background(), arena)
		return Null, err
	}
	p.tel.allocated(context.Background(), arena, size)
	return ptr, nil
}

// Free returns ptr to the pool. Freeing null is a no-op.
func (p *Pool) Free(ptr Ptr) error {
	if ptr.IsNull() {
		return nil
	}
	if p.detached.Load() {
		return ErrDetached
	}
	if p.debug() {
		if p.referenced(ptr) {
			return fmt.Errorf("free %v: %w", ptr, ErrStillReferenced)
		}
	}
	if err := p.alloc.Free(ptr); err != nil {
		return err
	}
	p.refs.Remove(ptr)
	p.tel.freed(context.Background())
	return nil
}

// Resolve converts ptr to a local address for n bytes. The range must lie
// in an attached segment, and with debug checks inside memory the pool
// handed out.
func (p *Pool) Resolve(ptr Ptr, n uint64) (unsafe.Pointer, error) {
	if ptr.IsNull() {
		return nil, fmt.Errorf("resolve null: %w", ErrInvalidPointer)
	}
	if p.detached.Load() {
		return nil, ErrDetached
	}
	switch {
	case p.debug():
		if err := p.alloc.Validate(ptr, n); err != nil {
			return nil, err
		}
	case p.flags&FlagLocalAlloc == 0:
		if _, _, ok := p.find(uint64(ptr), n); !ok {
			return nil, fmt.Errorf("resolve %v+%#x: not in an attached segment: %w", ptr, n, ErrInvalidPointer)
		}
	}
	return unsafe.Pointer(uintptr(ptr)), nil
}

// PtrToPaddr translates ptr to a physical address. It returns 0 when the
// segment holding ptr has no physical address.
func (p *Pool) PtrToPaddr(ptr Ptr) uint64 {
	t, i, ok := p.find(uint64(ptr), 1)
	if !ok || t.segs[i].PAddr == 0 {
		return 0
	}
	s := &t.segs[i]
	return s.PAddr + (uint64(ptr) - s.Virt)
}
