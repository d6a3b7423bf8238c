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
	"sync"
	"sync/atomic"
	"unsafe"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type localBlock struct {
	buf   []uint64
	arena ArenaID
	req   uint64
}

func (b *localBlock) used() uint64 { return uint64(len(b.buf)) * 8 }

// localAllocator serves allocations from the Go heap. Pointers it returns
// are only meaningful inside the allocating process.
type localAllocator struct {
	live   cmap.ConcurrentMap[Ptr, localBlock]
	freed  cmap.ConcurrentMap[Ptr, struct{}]
	arenas *ArenaSet
	// space bounds a single request
	space uint64

	mu     sync.Mutex
	stats  Stats
	closed atomic.Bool
}

func newLocalAllocator(arenas *ArenaSet, space uint64) *localAllocator {
	return &localAllocator{
		live:   cmap.NewWithCustomShardingFunction[Ptr, localBlock](shardPtr),
		freed:  cmap.NewWithCustomShardingFunction[Ptr, struct{}](shardPtr),
		arenas: arenas,
		space:  space,
	}
}

func (a *localAllocator) Alloc(size uint64, arena ArenaID, flags AllocFlags) (Ptr, error) {
	if a.closed.Load() {
		return Null, ErrDetached
	}
	if !arena.Valid() {
		return Null, fmt.Errorf("arena %v: %w", arena, ErrInvalidConfig)
	}
	if flags&AllocPhysical != 0 {
		return Null, fmt.Errorf("physical alloc from process heap: %w", ErrOutOfMemory)
	}
	if size > a.space {
		return Null, fmt.Errorf("alloc %d bytes in %s address space: %w", size, FormatSize(a.space), ErrOutOfMemory)
	}
	b := localBlock{buf: make([]uint64, (max(size, 1)+7)/8), arena: arena, req: size}
	a.mu.Lock()
	defer a.mu.Unlock()
	root := a.arenas.Root(arena)
	if limit := a.arenas[root].UsedLimit; limit != 0 {
		var used uint64
		for i := range NumArenas {
			if a.arenas.Root(ArenaID(i)) == root {
				used += a.stats.ArenaBytes[i]
			}
		}
		if used+b.used() > limit {
			return Null, fmt.Errorf("arena %v: %s used, limit %s: %w", arena, FormatSize(used), FormatSize(limit), ErrLimitExceeded)
		}
	}
	p := Ptr(uintptr(unsafe.Pointer(&b.buf[0])))
	a.live.Set(p, b)
	a.freed.Remove(p)
	a.stats.LiveObjects++
	a.stats.LiveBytes += size
	a.stats.UsedBytes += b.used()
	a.stats.TotalAllocs++
	a.stats.ArenaBytes[arena] += b.used()
	return p, nil
}

func (a *localAllocator) Free(p Ptr) error {
	if p.IsNull() {
		return nil
	}
	if a.closed.Load() {
		return ErrDetached
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.live.Pop(p)
	if !ok {
		if a.freed.Has(p) {
			return fmt.Errorf("%v: %w", p, ErrDoubleFree)
		}
		return fmt.Errorf("%v: not an allocation: %w", p, ErrInvalidPointer)
	}
	a.freed.Set(p, struct{}{})
	a.stats.LiveObjects--
	a.stats.LiveBytes -= b.req
	a.stats.UsedBytes -= b.used()
	a.stats.TotalFrees++
	a.stats.ArenaBytes[b.arena] -= b.used()
	return nil
}

func (a *localAllocator) Size(p Ptr) (uint64, error) {
	b, ok := a.live.Get(p)
	if !ok {
		return 0, fmt.Errorf("%v: not an allocation: %w", p, ErrInvalidPointer)
	}
	return b.req, nil
}

// Validate only accepts ranges starting at an allocation.
func (a *localAllocator) Validate(p Ptr, n uint64) error {
	b, ok := a.live.Get(p)
	if !ok || n > b.used() {
		return fmt.Errorf("%v+%#x: not a live allocation: %w", p, n, ErrInvalidPointer)
	}
	return nil
}

func (a *localAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *localAllocator) Close() error {
	a.closed.Store(true)
	a.live.Clear()
	a.freed.Clear()
	return nil
}
