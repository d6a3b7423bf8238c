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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier []PhysRegion

func (q fakeQuerier) Regions(*os.File) ([]PhysRegion, error) { return q, nil }

func sparseDevice(t *testing.T, size int64) string {
	path := filepath.Join(t.TempDir(), "physmem")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func cleanupPool(t *testing.T) {
	t.Cleanup(func() {
		if p := Current(); p != nil {
			p.refs.Clear()
			assert.NoError(t, p.Detach(context.Background()))
		}
		assert.NoError(t, ReleaseReservation())
	})
}

func deviceConfig(t *testing.T, path string, space uint64, regions ...PhysRegion) *Config {
	cfg := DefaultConfig()
	cfg.AddressSpace = space
	cfg.Padding = 0
	cfg.SocketDir = t.TempDir()
	cfg.Backing = []BackingSpec{{Kind: BackingDevice, Path: path, Querier: fakeQuerier(regions)}}
	return cfg
}

func TestDeviceRegions(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	path := sparseDevice(t, 8<<20)
	cfg := deviceConfig(t, path, testAddressSpace,
		PhysRegion{PAddr: 0x100000, Length: 3 << 20},
		PhysRegion{PAddr: 0x7ff000, Length: 0x100},
		PhysRegion{PAddr: 0x400000, Length: 4 << 20},
		PhysRegion{PAddr: 0x401800, Length: 1 << 20},
		PhysRegion{PAddr: testAddressSpace, Length: 2 << 20},
	)

	descs, err := PrototypeInit(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, uint64(0x100000), descs[0].PAddr)
	assert.Equal(t, descs[0].PAddr, descs[0].Offset)
	assert.NotZero(t, descs[0].Flags&SegFirst)
	assert.Zero(t, descs[1].Flags&SegFirst)

	p, err := Attach(ctx, cfg)
	require.NoError(t, err)
	segs := p.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, p.Reservation().PhysBase()+0x100000, segs[0].Phys)
	assert.Equal(t, p.Reservation().PhysBase()+0x400000, segs[1].Phys)

	obj, err := Alloc[record](p, WithPhysical())
	require.NoError(t, err)
	paddr := p.PtrToPaddr(obj.Ptr())
	assert.Equal(t, 0x100000+uint64(obj.Ptr())-segs[0].Virt, paddr)

	rec, err := obj.RWRef(p)
	require.NoError(t, err)
	rec.Count = 9
	require.NoError(t, obj.RWRelease(p))
	alias := (*record)(unsafe.Pointer(uintptr(p.Reservation().PhysBase() + paddr)))
	assert.Equal(t, uint32(9), alias.Count)
	require.NoError(t, obj.Free(p))
}

func TestDeviceLocateWithoutAddressSpace(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	const space = 64 << 20
	path := sparseDevice(t, 2*space+4<<20)
	regions := []PhysRegion{
		{PAddr: 2 * space, Length: 4 << 20},
		{PAddr: 1 << 20, Length: 3 << 20},
	}
	descs, err := PrototypeInit(ctx, deviceConfig(t, path, space, regions...))
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.NoError(t, ReleaseReservation())

	// a follower does not know the address space and sees both regions
	follower := deviceConfig(t, path, 0, regions...)
	p, err := Attach(ctx, follower)
	require.NoError(t, err)
	require.Len(t, p.Segments(), 1)
	assert.Equal(t, uint64(1<<20), p.Segments()[0].PAddr)
	assert.Equal(t, uint64(space), p.Reservation().AddressSpace)

	c, err := ReadChain(follower)
	require.NoError(t, err)
	assert.Equal(t, descs[0], c.Root.Self)
}

func TestDeviceWithoutRoot(t *testing.T) {
	cleanupPool(t)
	path := sparseDevice(t, 4<<20)
	cfg := deviceConfig(t, path, testAddressSpace, PhysRegion{PAddr: 1 << 20, Length: 2 << 20})
	_, err := Attach(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrBadMagic)
	assert.Nil(t, Current())
}

func TestMixedPhysicalPool(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 0
	cfg.SocketDir = t.TempDir()
	cfg.Backing = []BackingSpec{
		{Kind: BackingVirtDevice, Path: sparseDevice(t, 4<<20)},
		{Kind: BackingDevice, Path: sparseDevice(t, 4<<20), Querier: fakeQuerier{{PAddr: 1 << 20, Length: 2 << 20}}},
	}
	_, err := PrototypeInit(ctx, cfg)
	require.NoError(t, err)
	p, err := Attach(ctx, cfg)
	require.NoError(t, err)
	segs := p.Segments()
	require.Len(t, segs, 2)
	require.Zero(t, segs[0].PAddr)

	plain, err := Alloc[record](p)
	require.NoError(t, err)
	assert.True(t, segs[0].Contains(uint64(plain.Ptr()), 64))
	assert.Zero(t, p.PtrToPaddr(plain.Ptr()))

	obj, err := Alloc[record](p, WithPhysical())
	require.NoError(t, err)
	assert.True(t, segs[1].Contains(uint64(obj.Ptr()), 64))
	paddr := p.PtrToPaddr(obj.Ptr())
	assert.Equal(t, uint64(1<<20)+uint64(obj.Ptr())-segs[1].Virt, paddr)
	rec, err := obj.RWRef(p)
	require.NoError(t, err)
	rec.ID = 0xabc
	require.NoError(t, obj.RWRelease(p))
	alias := (*record)(unsafe.Pointer(uintptr(p.Reservation().PhysBase() + paddr)))
	assert.Equal(t, uint64(0xabc), alias.ID)

	// plain allocations keep using the first segment
	next, err := Alloc[record](p)
	require.NoError(t, err)
	assert.True(t, segs[0].Contains(uint64(next.Ptr()), 64))

	// a freed plain block is not handed out for a physical request
	require.NoError(t, plain.Free(p))
	again, err := Alloc[record](p, WithPhysical())
	require.NoError(t, err)
	assert.False(t, again.Eq(plain))
	assert.NotZero(t, p.PtrToPaddr(again.Ptr()))

	var big []Ptr
	for len(big) < 64 {
		ptr, err := p.Alloc(256<<10, ArenaRootGlobal, AllocPhysical)
		if err != nil {
			assert.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		assert.NotZero(t, p.PtrToPaddr(ptr))
		big = append(big, ptr)
	}
	require.NotEmpty(t, big)
	require.Less(t, len(big), 64)

	require.NoError(t, p.Free(big[0]))
	ptr, err := p.Alloc(256<<10, ArenaRootGlobal, AllocPhysical)
	require.NoError(t, err)
	assert.Equal(t, big[0], ptr)

	ptr, err = p.Alloc(4096, ArenaRootGlobal, 0)
	require.NoError(t, err)
	assert.True(t, segs[0].Contains(uint64(ptr), 4096))
}

func TestDeviceNoUsableRegions(t *testing.T) {
	cleanupPool(t)
	path := sparseDevice(t, 16<<20)
	cfg := deviceConfig(t, path, 4<<20,
		PhysRegion{PAddr: 0x200000, Length: 8 << 20},
		PhysRegion{PAddr: 0, Length: 2 << 20},
		PhysRegion{PAddr: 0x100000, Length: 512},
	)
	_, err := PrototypeInit(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNoSegments)
	assert.Equal(t, ClassEnvironment, ClassOf(err))
	assert.Nil(t, Current())
	assert.Nil(t, proc.res)
}

func TestDeviceChanged(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	path := sparseDevice(t, 4<<20)
	cfg := deviceConfig(t, path, testAddressSpace, PhysRegion{PAddr: 0x100000, Length: 2 << 20})
	_, err := PrototypeInit(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, ReleaseReservation())

	// a copy renamed over the device has another inode
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".new", b, 0o600))
	require.NoError(t, os.Rename(path+".new", path))

	_, err = Attach(ctx, cfg)
	assert.ErrorIs(t, err, ErrDeviceChanged)
	assert.Nil(t, Current())
	assert.Nil(t, proc.res)
}

func TestVirtDevice(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	path := sparseDevice(t, 6<<20+100)
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 0
	cfg.SocketDir = t.TempDir()
	cfg.SimulatedPhysBase = 2 << 20
	cfg.Backing = []BackingSpec{{Kind: BackingVirtDevice, Path: path}}

	descs, err := PrototypeInit(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, TypeVirtDevice, descs[0].Type)
	assert.Equal(t, uint64(6<<20), descs[0].Length)
	assert.Zero(t, descs[0].PAddr)

	p, err := Attach(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, p.Segments()[0].Phys)
	ptr, err := p.Alloc(4096, ArenaCacheGlobal, 0)
	require.NoError(t, err)
	assert.Zero(t, p.PtrToPaddr(ptr))
}

func TestSysV(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 0
	cfg.SocketDir = t.TempDir()
	require.NoError(t, cfg.SetOption("sysv", "4M"))
	require.NoError(t, cfg.SetOption("sysv", "2M"))

	descs, err := PrototypeInit(ctx, cfg)
	if ClassOf(err) == ClassEnvironment {
		t.Skipf("System-V shared memory unavailable: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, Destroy(context.Background(), cfg))
	})
	require.Len(t, descs, 2)
	assert.NotZero(t, cfg.Backing[0].SysVID)
	assert.Equal(t, int64(cfg.Backing[0].SysVID), descs[0].SysVID)
	assert.Equal(t, TypeSysV, descs[1].Type)

	p, err := Attach(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, p.Segments(), 2)
	require.NoError(t, p.GlobalSet(GlobalScheduler, 77))
	require.NoError(t, p.Detach(ctx))

	p, err = Attach(ctx, cfg)
	require.NoError(t, err)
	v, err := p.GlobalGet(GlobalScheduler)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), v)
	require.NoError(t, p.Detach(ctx))
}

func TestFileExists(t *testing.T) {
	cleanupPool(t)
	path := filepath.Join(t.TempDir(), "pool")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 0
	cfg.Backing = []BackingSpec{{Kind: BackingFile, Path: path, Size: 4 << 20}}
	_, err := PrototypeInit(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrBackingStore)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), b, "existing file left alone")
}

func TestFirstSegmentTooSmall(t *testing.T) {
	cleanupPool(t)
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 0
	cfg.Backing = []BackingSpec{{Kind: BackingFile, Path: filepath.Join(t.TempDir(), "tiny"), Size: 16 << 10}}
	_, err := PrototypeInit(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.NoFileExists(t, cfg.Backing[0].Path)
}

func TestDumpChain(t *testing.T) {
	cleanupPool(t)
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 0
	require.NoError(t, cfg.SetOption("file", filepath.Join(dir, "a")+":4M"))
	require.NoError(t, cfg.SetOption("file", filepath.Join(dir, "b")+":2M"))
	_, err := PrototypeInit(context.Background(), cfg)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, DumpChain(&out, cfg))
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "space=1G")
	assert.Contains(t, string(lines[1]), filepath.Join(dir, "a"))
	assert.Contains(t, string(lines[2]), filepath.Join(dir, "b"))
}
