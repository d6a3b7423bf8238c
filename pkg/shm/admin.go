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
	"unsafe"

	internalshm "github.com/srediag/shmem/internal/shm"
)

const (
	AdminMagic   uint32 = 0x41646d6e
	AdminVersion uint32 = 1

	// NumGlobals is the size of the named global value table.
	NumGlobals = 32
	// MaxProcesses is the size of the process record table.
	MaxProcesses = 64
)

type arenaRecord struct {
	Scope         uint32
	Parent        uint32
	Flags         uint64
	GrowObjects   uint64
	GrowBytes     uint64
	ShrinkObjects uint64
	ShrinkBytes   uint64
	UsedLimit     uint64
}

// Admin is the pool-wide structure placed right after the first segment's
// header. It is accessed in place, so every field has a fixed size.
type Admin struct {
	Magic      uint32
	Version    uint32
	Flags      uint64
	AllocRoot  uint64
	NumArenas  uint32
	NumGlobals uint32
	Globals    [NumGlobals]uint64
	Arenas     [NumArenas]arenaRecord
	Processes  [MaxProcesses]ProcessRecord
}

var (
	adminOffset      = HeaderSize
	adminSize        = uint64(unsafe.Sizeof(Admin{}))
	allocStateOffset = uint64(alignTo(int(adminOffset+adminSize), 64))
	// rootReserve is the smallest usable first segment.
	rootReserve = allocStateOffset + uint64(unsafe.Sizeof(allocState{})) + 64<<10
)

func adminAt(addr uintptr) *Admin {
	return (*Admin)(unsafe.Pointer(addr))
}

// init zeroes the structure and fills it from cfg. The magic is stored last.
func (a *Admin) init(cfg *Config, allocRoot uint64) {
	*a = Admin{}
	a.Version = AdminVersion
	a.Flags = uint64(cfg.Flags)
	a.AllocRoot = allocRoot
	a.NumArenas = uint32(NumArenas)
	a.NumGlobals = NumGlobals
	a.storeArenas(&cfg.Arenas)
	internalshm.AtomicStoreUint32(unsafe.Pointer(&a.Magic), AdminMagic)
}

func (a *Admin) validate() error {
	if m := a.Magic; m != AdminMagic {
		return fmt.Errorf("admin magic %#x: %w", m, ErrAdminBadMagic)
	}
	if a.Version != AdminVersion || a.NumArenas != uint32(NumArenas) || a.NumGlobals != NumGlobals {
		return fmt.Errorf("admin version %d arenas %d globals %d: %w",
			a.Version, a.NumArenas, a.NumGlobals, ErrAdminBadMagic)
	}
	return nil
}

func (a *Admin) storeArenas(s *ArenaSet) {
	for i, c := range s {
		a.Arenas[i] = arenaRecord{
			Scope:         uint32(c.Scope),
			Parent:        uint32(c.Parent),
			Flags:         c.Flags,
			GrowObjects:   c.GrowObjects,
			GrowBytes:     c.GrowBytes,
			ShrinkObjects: c.ShrinkObjects,
			ShrinkBytes:   c.ShrinkBytes,
			UsedLimit:     c.UsedLimit,
		}
	}
}

func (a *Admin) arenas() ArenaSet {
	var s ArenaSet
	for i, r := range a.Arenas {
		s[i] = ArenaConfig{
			Scope:         Scope(r.Scope),
			Parent:        ArenaID(r.Parent),
			Flags:         r.Flags,
			GrowObjects:   r.GrowObjects,
			GrowBytes:     r.GrowBytes,
			ShrinkObjects: r.ShrinkObjects,
			ShrinkBytes:   r.ShrinkBytes,
			UsedLimit:     r.UsedLimit,
		}
	}
	return s
}

func (a *Admin) global(id GlobalID) unsafe.Pointer {
	return unsafe.Pointer(&a.Globals[id])
}
